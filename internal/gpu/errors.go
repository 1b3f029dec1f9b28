package gpu

import (
	"errors"
	"fmt"
)

// ErrNoDevices is reported when the device query yields no rows.
var ErrNoDevices = errors.New("no devices reported")

// DeviceQueryError marks a failed device or compute-app query.
// It aborts the current tick only.
type DeviceQueryError struct {
	Query string
	Err   error
}

func (e *DeviceQueryError) Error() string {
	return fmt.Sprintf("device query %s: %v", e.Query, e.Err)
}

func (e *DeviceQueryError) Unwrap() error {
	return e.Err
}

func queryError(query string, err error) error {
	return &DeviceQueryError{Query: query, Err: err}
}
