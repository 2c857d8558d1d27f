package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProperty ResultType = "property"
	ResultMessage  ResultType = "message"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type           ResultType `json:"type"`
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Snippet        string     `json:"snippet"`
	PropertyID     string     `json:"propertyId"`
	ConversationID string     `json:"conversationId,omitempty"`
}

// Query describes a search request. Message hits are always scoped to
// conversations the viewer participates in; an empty ViewerUserID searches
// properties only.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	ViewerUserID string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PropertyRecord is the data we index for a property.
type PropertyRecord struct {
	ID     string  `json:"id"`
	Label  string  `json:"label"`
	Status string  `json:"status"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}

// MessageRecord is the data we index for a message. ParticipantIDs is the
// filterable attribute that keeps message search private to a
// conversation's two members.
type MessageRecord struct {
	ID             string   `json:"id"`
	Body           string   `json:"body"`
	ConversationID string   `json:"conversationId"`
	PropertyID     string   `json:"propertyId"`
	PropertyLabel  string   `json:"propertyLabel"`
	ParticipantIDs []string `json:"participantIds"`
	CreatedAt      int64    `json:"createdAt"`
}
