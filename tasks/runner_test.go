////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package tasks

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

// Detached tasks run and their errors are swallowed, not surfaced.
func TestRunner_Go(t *testing.T) {
	r := NewRunner(100)

	done := make(chan struct{})
	r.Go("failing task", func() error {
		close(done)
		return errors.New("swallowed")
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("detached task never ran")
	}
}

// Relay tasks respect the rate limit: n+1 calls at n per second take at
// least a second.
func TestRunner_Relay(t *testing.T) {
	const perSecond = 5
	r := NewRunner(perSecond)

	done := make(chan struct{}, perSecond+1)
	start := time.Now()
	for i := 0; i < perSecond+1; i++ {
		r.Relay("limited task", func() error {
			done <- struct{}{}
			return nil
		})
	}
	for i := 0; i < perSecond+1; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("relay task %d never ran", i)
		}
	}

	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("%d calls at %d/s finished in %s", perSecond+1, perSecond,
			elapsed)
	}
}

// Await returns the call's own result when it resolves in time.
func TestAwait(t *testing.T) {
	if err := Await("quick", time.Second, func() error {
		return nil
	}); err != nil {
		t.Errorf("Await returned %+v", err)
	}

	want := errors.New("explicit failure")
	if err := Await("failing", time.Second, func() error {
		return want
	}); err != want {
		t.Errorf("Await returned %+v, expected the call's error", err)
	}
}

// Await abandons a call that outlives the window and reports the timeout;
// the call keeps running detached.
func TestAwait_Timeout(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})

	err := Await("slow", 50*time.Millisecond, func() error {
		<-release
		close(finished)
		return nil
	})
	if err != ErrAwaitTimeout {
		t.Fatalf("expected ErrAwaitTimeout, got %+v", err)
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned call never completed")
	}
}
