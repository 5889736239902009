// Package backplane abstracts the shared publish/subscribe facility used to
// fan change events out across server processes. The facility is optional: a
// process without one degrades to direct local delivery, and every caller is
// expected to consult Available before publishing or subscribing.
package backplane

// Handler receives one published payload for a subscribed channel.
// Handlers for a single channel are invoked in publish order.
type Handler func(payload []byte)

// CancelFunc releases one subscription. Safe to call more than once.
type CancelFunc func() error

// Backplane is the process-wide fan-out capability injected into the
// realtime hub at construction.
type Backplane interface {
	// Available reports whether cross-process delivery is working. When
	// false, Publish and Subscribe fail and callers fall back to direct
	// local delivery.
	Available() bool
	// Publish sends the payload to every subscriber of the channel, on
	// this process and every peer. Best-effort, at-least-once.
	Publish(channel string, payload []byte) error
	// Subscribe registers a handler for the channel and returns its
	// cancel function.
	Subscribe(channel string, handler Handler) (CancelFunc, error)
}

// Unavailable returns a backplane that is permanently absent, for
// single-process deployments. Publish and Subscribe report ErrUnavailable.
func Unavailable() Backplane {
	return unavailable{}
}

type unavailable struct{}

func (unavailable) Available() bool { return false }

func (unavailable) Publish(string, []byte) error { return ErrUnavailable }

func (unavailable) Subscribe(string, Handler) (CancelFunc, error) {
	return nil, ErrUnavailable
}
