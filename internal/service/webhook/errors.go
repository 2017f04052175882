package webhook

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKey   = errors.New("webhook key is required")
	ErrInvalidURL   = errors.New("webhook url must be an absolute http or https url")
	ErrUnknownEvent = errors.New("unknown webhook event")
)

// DeliveryError describes a failed delivery. It is logged and counted, never
// returned to the code that produced the event.
type DeliveryError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook delivery to %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("webhook delivery to %s failed: status %d", e.URL, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
