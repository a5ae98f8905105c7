package apierr

import "fmt"

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// Error kinds from the control-surface error taxonomy, independent
// of the transport that eventually surfaces them.
const (
	CodeWorkflowNotFound   = "workflow_not_found"
	CodeFormNotComplete    = "form_not_complete"
	CodeFormValidationErr  = "form_validation_error"
	CodeStartPredicateErr  = "start_predicate_error"
	CodeForbidden          = "forbidden"
	CodeConflict           = "conflict"
	CodeNotFound           = "not_found"
	CodeServiceUnavailable = "service_unavailable"
	CodeStaleData          = "stale_data"
)

func WorkflowNotFound(err error) *Error   { return New(404, CodeWorkflowNotFound, err) }
func FormNotComplete(err error) *Error    { return New(409, CodeFormNotComplete, err) }
func FormValidationError(err error) *Error { return New(422, CodeFormValidationErr, err) }
func StartPredicateError(err error) *Error { return New(422, CodeStartPredicateErr, err) }
func Forbidden(err error) *Error          { return New(403, CodeForbidden, err) }
func Conflict(err error) *Error           { return New(409, CodeConflict, err) }
func NotFound(err error) *Error           { return New(404, CodeNotFound, err) }
func ServiceUnavailable(err error) *Error { return New(503, CodeServiceUnavailable, err) }
func StaleData(err error) *Error         { return New(409, CodeStaleData, err) }
