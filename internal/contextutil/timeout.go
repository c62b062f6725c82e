// Package contextutil builds the bounded contexts that gate a single
// outbound call: the forwarder's local HTTP request to Home Assistant,
// and the tunnel client's end-to-end handling of one forwarded request.
package contextutil

import (
	"context"
	"time"
)

// WithTimeout wraps parent with a deadline of d, unless d<=0, in which
// case parent is returned unwrapped — hatunnel treats a non-positive
// configured timeout as "no bound" rather than an instantly-expired
// context.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, d)
}
