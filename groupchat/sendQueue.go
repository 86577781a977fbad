////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package groupchat

import (
	"sync"

	"github.com/golang-collections/collections/queue"
	"gitlab.com/whispermesh/client/stoppable"
)

// sendQueue serializes chain-key-advancing work for one group. Jobs run on
// a single worker goroutine in FIFO submission order, so two concurrent
// sends can never interleave their chain reads and advances. The ordering
// guarantee is structural; nothing depends on callers being polite.
type sendQueue struct {
	jobs *queue.Queue
	mux  sync.Mutex
	wake chan struct{}
	stop *stoppable.Single
}

func newSendQueue(groupID string) *sendQueue {
	q := &sendQueue{
		jobs: queue.New(),
		wake: make(chan struct{}, 1),
		stop: stoppable.NewSingle("sendQueue-" + groupID),
	}
	go q.worker()
	return q
}

// submit appends a job. Submission order is completion order.
func (q *sendQueue) submit(job func()) {
	q.mux.Lock()
	q.jobs.Enqueue(job)
	q.mux.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// worker drains the queue one job at a time until stopped.
func (q *sendQueue) worker() {
	for {
		select {
		case <-q.stop.Quit():
			return
		case <-q.wake:
		}

		for {
			q.mux.Lock()
			next := q.jobs.Dequeue()
			q.mux.Unlock()
			if next == nil {
				break
			}
			next.(func())()
		}
	}
}
