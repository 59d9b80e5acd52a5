package services

import "fmt"

const (
	CodeInvalidBody            = "GOV_INVALID_BODY"
	CodeInvalidTarget          = "GOV_INVALID_TARGET"
	CodeNotEligible            = "GOV_NOT_ELIGIBLE"
	CodeDuplicateVote          = "GOV_DUPLICATE_VOTE"
	CodeNotPending             = "GOV_NOT_PENDING"
	CodeConcurrentModification = "GOV_CONCURRENT_MODIFICATION"
	CodeDuplicateShare         = "GOV_DUPLICATE_SHARE"
	CodeNotFound               = "GOV_NOT_FOUND"
	CodeSideEffect             = "GOV_SIDE_EFFECT"
)

type ServiceError struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *ServiceError) Unwrap() error { return e.Cause }

func newServiceError(status int, code, message string, cause error) *ServiceError {
	return &ServiceError{Status: status, Code: code, Message: message, Cause: cause}
}
