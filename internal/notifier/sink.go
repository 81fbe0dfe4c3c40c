package notifier

import (
	"context"
	"fmt"
)

// Sink delivers messages over one transport.
type Sink interface {
	Name() string
	// Accepts reports whether d has an address this sink can use.
	Accepts(d Destination) bool
	Send(ctx context.Context, m Message) error
}

// StatusError is a non-2xx answer from a sink's remote endpoint.
type StatusError struct {
	Sink   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Sink, e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Sink, e.Status, e.Body)
}

// Retryable reports whether resending could succeed. Client errors other
// than rate limiting will fail the same way again.
func (e *StatusError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}
