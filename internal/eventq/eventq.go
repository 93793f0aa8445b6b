// Package eventq provides non-blocking channel send helpers used by the
// supervisor's route path and the heartbeat scheduler. Enqueue never blocks;
// a full inbox is surfaced to the caller as backpressure instead.
package eventq

import "context"

// Offer performs a non-blocking send.
// It returns true when the value was sent and false when the channel is full
// or closed.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

// OfferContext performs a non-blocking send that also respects context
// cancellation. It returns false if ctx is already done or if the channel is
// full.
func OfferContext[T any](ctx context.Context, ch chan<- T, value T) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return Offer(ch, value)
}

// DrainInto receives everything currently buffered in ch without blocking and
// passes each value to fn. The worker uses it to discard whatever is still
// queued behind the shutdown sentinel.
func DrainInto[T any](ch <-chan T, fn func(T)) int {
	n := 0
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return n
			}
			fn(v)
			n++
		default:
			return n
		}
	}
}
