////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package stoppable

import (
	"testing"
	"time"
)

// Tests that Close releases a worker blocked on Quit and that repeat closes
// are harmless.
func TestSingle_Close(t *testing.T) {
	s := NewSingle("worker")
	done := make(chan struct{})
	go func() {
		<-s.Quit()
		close(done)
	}()

	if s.IsStopped() {
		t.Error("stopped before Close")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %+v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker never released")
	}

	if !s.IsStopped() {
		t.Error("not stopped after Close")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %+v", err)
	}
}

// Tests that a Multi stops everything it holds.
func TestMulti_Close(t *testing.T) {
	m := NewMulti("client")
	a := NewSingle("a")
	b := NewSingle("b")
	m.Add(a)
	m.Add(b)

	if m.IsStopped() {
		t.Error("stopped before Close")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %+v", err)
	}
	if !a.IsStopped() || !b.IsStopped() {
		t.Error("members not stopped")
	}
	if !m.IsStopped() {
		t.Error("multi not stopped")
	}
}
