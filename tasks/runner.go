////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package tasks runs the client's detached work: fire-and-forget network
// calls and background persistence. The error policy is log-and-drop, so the
// swallowing is explicit rather than an unobserved goroutine leak.
package tasks

import (
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/ratelimit"
)

// DefaultRelayPerSecond bounds how many relay-facing calls (receipts,
// publishes) may fire per second.
const DefaultRelayPerSecond = 10

// AwaitTimeout is the bounded-wait window used where absence must be
// inferred from silence instead of an explicit negative response.
const AwaitTimeout = 3 * time.Second

// ErrAwaitTimeout is returned by Await when the call does not resolve
// within the window.
var ErrAwaitTimeout = errors.New("bounded wait elapsed with no response")

// Runner launches detached tasks. The zero value is not usable; construct
// with NewRunner.
type Runner struct {
	relay ratelimit.Limiter
}

// NewRunner returns a Runner whose relay-facing tasks are limited to
// relayPerSecond calls per second.
func NewRunner(relayPerSecond int) *Runner {
	if relayPerSecond <= 0 {
		relayPerSecond = DefaultRelayPerSecond
	}
	return &Runner{
		relay: ratelimit.New(relayPerSecond, ratelimit.WithoutSlack),
	}
}

// Go runs f detached. A returned error is logged at WARN and dropped; the
// caller must not depend on completion.
func (r *Runner) Go(tag string, f func() error) {
	go func() {
		if err := f(); err != nil {
			jww.WARN.Printf("[TASK] %s: %+v", tag, err)
		}
	}()
}

// Relay runs f detached behind the relay rate limit. Same error policy as
// Go.
func (r *Runner) Relay(tag string, f func() error) {
	go func() {
		r.relay.Take()
		if err := f(); err != nil {
			jww.WARN.Printf("[TASK] %s: %+v", tag, err)
		}
	}()
}

// Await runs f and waits at most timeout for it to resolve. On timeout the
// call keeps running detached (its eventual error is logged and dropped) and
// ErrAwaitTimeout is returned. Capability calls are assumed to resolve in
// bounded time, so a timeout here means the answer is "no".
func Await(tag string, timeout time.Duration, f func() error) error {
	done := make(chan error, 1)
	go func() { done <- f() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		go func() {
			if err := <-done; err != nil {
				jww.WARN.Printf("[TASK] %s (after timeout): %+v", tag, err)
			}
		}()
		return ErrAwaitTimeout
	}
}
