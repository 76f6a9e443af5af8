package upstream

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedStatus indicates a non-2xx response.
	ErrUnexpectedStatus = errors.New("upstream: unexpected status")
	// ErrInvalidResponse indicates a body that cannot be decoded.
	ErrInvalidResponse = errors.New("upstream: invalid response")
	// ErrMissingBaseURL indicates a client constructed without an endpoint.
	ErrMissingBaseURL = errors.New("upstream: base url is required")
)

const (
	OperationFetchWorkers  = "fetch_workers"
	OperationFetchProjects = "fetch_projects"
	OperationFetchHistory  = "fetch_history"
)

// RequestError is the typed failure of one upstream call.
type RequestError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: status %d: %v", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Operation, e.Err)
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Code returns a stable `upstream.<operation>.<reason>` identifier.
func (e *RequestError) Code() string {
	if e == nil {
		return ""
	}
	return "upstream." + e.Operation + "." + e.reason()
}

func (e *RequestError) reason() string {
	switch {
	case errors.Is(e.Err, ErrUnexpectedStatus):
		return "unexpected_status"
	case errors.Is(e.Err, ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(e.Err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(e.Err, context.Canceled):
		return "canceled"
	default:
		return "transport"
	}
}
