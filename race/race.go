// Package race implements the Timed Race Runner: it issues several
// candidate attempts concurrently and resolves to the first successful one,
// or to failure once a shared timeout elapses. It generalizes the
// fan-out/select pattern hlandau/portmap's portMappingLoop uses inline for
// each gateway candidate (and which this corpus's sprintframework NAT-PMP
// client also uses to race several potential gateways) into a reusable,
// protocol-agnostic primitive.
package race

import (
	"context"
	"time"
)

// Attempt is one candidate unit of work. It receives a context scoped to the
// overall race timeout and must stop promptly when that context is done,
// releasing any resources it acquired (e.g. closing a socket) before
// returning. ok=false means "no usable result from this attempt" and never
// fails the race as a whole.
type Attempt[T any] func(ctx context.Context) (result T, ok bool)

// Run dispatches every attempt concurrently and returns as soon as one
// yields ok=true. It returns ok=false once every attempt has finished
// without success or timeout elapses, whichever comes first. Attempts
// still outstanding when Run returns are cancelled via ctx and drained in
// the background so their cleanup always runs, without blocking the caller
// on stragglers.
func Run[T any](ctx context.Context, timeout time.Duration, attempts []Attempt[T]) (result T, ok bool) {
	var zero T
	if len(attempts) == 0 {
		return zero, false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)

	type outcome struct {
		v  T
		ok bool
	}

	rc := make(chan outcome, len(attempts))
	for _, a := range attempts {
		a := a
		go func() {
			v, ok := a(ctx)
			rc <- outcome{v, ok}
		}()
	}

	drain := func(n int) {
		go func() {
			for i := 0; i < n; i++ {
				<-rc
			}
		}()
	}

	remaining := len(attempts)
	for remaining > 0 {
		select {
		case o := <-rc:
			remaining--
			if o.ok {
				cancel()
				drain(remaining)
				return o.v, true
			}

		case <-ctx.Done():
			cancel()
			drain(remaining)
			return zero, false
		}
	}

	cancel()
	return zero, false
}
