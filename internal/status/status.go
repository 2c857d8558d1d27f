package status

// Status is the public state of a property, derived from its claim state and
// intent flags. It is never persisted; callers recompute it from the current
// flags so the displayed value cannot drift from the row.
type Status string

const (
	Unclaimed     Status = "unclaimed"
	OpenToTalking Status = "open_to_talking"
	ForSale       Status = "for_sale"
	ForRent       Status = "for_rent"
	Settled       Status = "settled"
	OwnerNoStatus Status = "owner_no_status"
)

// Flags are the owner-settable intent booleans on a property. They are
// independent; precedence is applied only when deriving a Status.
type Flags struct {
	SoftListing bool
	ForSale     bool
	ForRent     bool
	Settled     bool
}

// Resolve maps claim state and flags to one Status. Unclaimed wins outright.
// When several flags are set the order is for_sale > for_rent >
// open_to_talking > settled. Claimed with nothing set is owner_no_status.
func Resolve(claimed bool, f Flags) Status {
	if !claimed {
		return Unclaimed
	}
	switch {
	case f.ForSale:
		return ForSale
	case f.ForRent:
		return ForRent
	case f.SoftListing:
		return OpenToTalking
	case f.Settled:
		return Settled
	default:
		return OwnerNoStatus
	}
}

// CanStartConversation reports whether a new conversation may be opened
// against a property in the given status. It gates creation only; a
// conversation opened while this was true stays usable after the status
// changes.
func CanStartConversation(s Status) bool {
	switch s {
	case OpenToTalking, ForSale, ForRent:
		return true
	default:
		return false
	}
}
