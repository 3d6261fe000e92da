package segclient

import (
	"errors"
	"fmt"
)

// ServiceError is a transport failure, a non-success HTTP status or a malformed
// response from the segmentation service.
type ServiceError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: service returned status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// ServiceFailure is a well-formed generate response whose status is not "ok"
type ServiceFailure struct {
	Status  string
	Message string
}

func (e *ServiceFailure) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("generation failed (status %q)", e.Status)
	}
	return e.Message
}

// IsServiceError reports whether err is (or wraps) a ServiceError
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

// IsServiceFailure reports whether err is (or wraps) a ServiceFailure
func IsServiceFailure(err error) bool {
	var sf *ServiceFailure
	return errors.As(err, &sf)
}
