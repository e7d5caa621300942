package app

import "fmt"

// DomainError carries everything the HTTP layer needs to answer a failed
// operation: the status, the machine-readable code the approvals UI switches
// on, and the operator-facing message. Mapping happens once, in mapError,
// instead of being re-derived per handler.
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
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}
