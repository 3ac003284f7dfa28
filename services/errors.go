package services

import "net/http"

// ErrorKind is the machine-readable error taxonomy. Validation and
// conflict errors are rejected before any side effect; provider errors are
// retried at the adapter; signature errors never mutate state; compensation
// errors mean a rollback already ran before the error surfaced.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindConflict     ErrorKind = "conflict"
	KindProvider     ErrorKind = "provider"
	KindSignature    ErrorKind = "signature"
	KindCompensation ErrorKind = "compensation"
	KindNotFound     ErrorKind = "not_found"
	KindInternal     ErrorKind = "internal"
)

// ServiceError carries the HTTP status for the controller plus the kind for
// callers that branch on error class.
type ServiceError struct {
	StatusCode int
	Kind       ErrorKind
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

func validationErr(msg string) *ServiceError {
	return &ServiceError{StatusCode: http.StatusBadRequest, Kind: KindValidation, Message: msg}
}

func conflictErr(msg string) *ServiceError {
	return &ServiceError{StatusCode: http.StatusConflict, Kind: KindConflict, Message: msg}
}

func providerErr(msg string, err error) *ServiceError {
	return &ServiceError{StatusCode: http.StatusBadGateway, Kind: KindProvider, Message: msg, Err: err}
}

func signatureErr(msg string) *ServiceError {
	return &ServiceError{StatusCode: http.StatusBadRequest, Kind: KindSignature, Message: msg}
}

func compensationErr(msg string, err error) *ServiceError {
	return &ServiceError{StatusCode: http.StatusInternalServerError, Kind: KindCompensation, Message: msg, Err: err}
}

func notFoundErr(msg string) *ServiceError {
	return &ServiceError{StatusCode: http.StatusNotFound, Kind: KindNotFound, Message: msg}
}

func internalErr(msg string, err error) *ServiceError {
	return &ServiceError{StatusCode: http.StatusInternalServerError, Kind: KindInternal, Message: msg, Err: err}
}
