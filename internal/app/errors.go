package app

import "fmt"

// DomainError is a lifecycle rule violation the caller can act on: claiming
// a claimed property, messaging yourself, replying to a handled note. It
// carries its own HTTP status and stable code; everything else that goes
// wrong is treated as a retryable store failure and mapped generically.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
