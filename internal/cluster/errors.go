package cluster

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// APIError is returned for every failed call against the cluster control plane.
type APIError struct {
	Op  string
	Err error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cluster api %s failed: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &APIError{Op: op, Err: err}
}

// IsAPIError reports whether err came from the cluster control plane.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// IsNotFoundError checks if the error indicates a resource was not found
func IsNotFoundError(err error) bool {
	return apierrors.IsNotFound(err)
}
