////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package stoppable coordinates shutdown of the client's background
// workers: the expiration sweep loop and the per-group send workers.
package stoppable

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Status of a stoppable.
type Status uint32

const (
	Running Status = iota
	Stopped
)

// Stoppable is anything that can be told to quit.
type Stoppable interface {
	Name() string
	Close() error
	IsStopped() bool
}

// Single stops one goroutine over a quit channel.
type Single struct {
	name   string
	quit   chan struct{}
	status uint32
	once   sync.Once
}

// NewSingle returns a running Single.
func NewSingle(name string) *Single {
	return &Single{
		name: name,
		quit: make(chan struct{}),
	}
}

// Name returns the name given at construction.
func (s *Single) Name() string { return s.name }

// Quit returns the channel closed when the Single stops.
func (s *Single) Quit() <-chan struct{} { return s.quit }

// IsStopped returns true once Close has run.
func (s *Single) IsStopped() bool {
	return Status(atomic.LoadUint32(&s.status)) == Stopped
}

// Close signals the worker to quit. Safe to call more than once; only the
// first call has any effect.
func (s *Single) Close() error {
	s.once.Do(func() {
		atomic.StoreUint32(&s.status, uint32(Stopped))
		close(s.quit)
		jww.DEBUG.Printf("Stopped %q.", s.name)
	})
	return nil
}

// Multi fans Close out to a set of stoppables.
type Multi struct {
	name string
	list []Stoppable
	mux  sync.Mutex
}

// NewMulti returns an empty Multi.
func NewMulti(name string) *Multi {
	return &Multi{name: name}
}

// Name returns the name given at construction.
func (m *Multi) Name() string { return m.name }

// Add registers a stoppable to be closed with this Multi.
func (m *Multi) Add(s Stoppable) {
	m.mux.Lock()
	m.list = append(m.list, s)
	m.mux.Unlock()
}

// IsStopped returns true if every registered stoppable has stopped.
func (m *Multi) IsStopped() bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	for _, s := range m.list {
		if !s.IsStopped() {
			return false
		}
	}
	return true
}

// Close closes every registered stoppable, collecting failures into one
// error.
func (m *Multi) Close() error {
	m.mux.Lock()
	defer m.mux.Unlock()

	failed := 0
	for _, s := range m.list {
		if err := s.Close(); err != nil {
			failed++
			jww.ERROR.Printf("Failed to stop %q in %q: %+v",
				s.Name(), m.name, err)
		}
	}
	if failed > 0 {
		return errors.Errorf("failed to stop %d of %d stoppables in %q",
			failed, len(m.list), m.name)
	}
	return nil
}
