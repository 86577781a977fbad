////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chatlog

import (
	"sort"
	"sync"
	"time"
)

// log is the ordered per-chat message collection. The index and the message
// table share the same *Message values so they cannot drift; all access goes
// through the mutex.
type log struct {
	chatID string

	byID  map[string]*Message
	order []*Message

	mux sync.RWMutex
}

func newLog(chatID string) *log {
	return &log{
		chatID: chatID,
		byID:   make(map[string]*Message),
	}
}

// upsert inserts the message or merges it into the stored copy per the
// Message merge rules. Returns a snapshot of the stored result and whether
// anything changed.
func (l *log) upsert(in Message) (Message, bool) {
	l.mux.Lock()
	defer l.mux.Unlock()

	stored, exists := l.byID[in.ID]
	if !exists {
		m := in.copy()
		l.byID[in.ID] = &m
		l.insertOrdered(&m)
		return m.copy(), true
	}

	reorder := (in.CreatedAt != 0 && in.CreatedAt != stored.CreatedAt) ||
		(in.Millis != 0 && in.Millis != stored.Millis)
	changed := stored.merge(&in)
	if changed && reorder {
		l.removeOrdered(stored)
		l.insertOrdered(stored)
	}
	return stored.copy(), changed
}

// update applies a partial mutation. Returns the snapshot and whether the
// message exists and changed.
func (l *log) update(id string, up Update) (Message, bool, bool) {
	l.mux.Lock()
	defer l.mux.Unlock()

	stored, exists := l.byID[id]
	if !exists {
		return Message{}, false, false
	}
	changed := stored.apply(up)
	return stored.copy(), true, changed
}

// setReaction merges a reaction into the target message, keyed by reactor.
// The last reaction per reactor wins. Returns the snapshot and whether the
// target exists.
func (l *log) setReaction(targetID, reactor, content string) (Message, bool) {
	l.mux.Lock()
	defer l.mux.Unlock()

	stored, exists := l.byID[targetID]
	if !exists {
		return Message{}, false
	}
	if stored.Reactions == nil {
		stored.Reactions = make(map[string]string, 1)
	}
	stored.Reactions[reactor] = content
	return stored.copy(), true
}

// get returns a snapshot of the message, if present.
func (l *log) get(id string) (Message, bool) {
	l.mux.RLock()
	defer l.mux.RUnlock()

	stored, exists := l.byID[id]
	if !exists {
		return Message{}, false
	}
	return stored.copy(), true
}

// snapshot returns value copies of all messages in log order.
func (l *log) snapshot() []Message {
	l.mux.RLock()
	defer l.mux.RUnlock()

	out := make([]Message, 0, len(l.order))
	for _, m := range l.order {
		out = append(out, m.copy())
	}
	return out
}

// hasMessageFrom reports whether any stored message was authored by the
// given key. Used to derive chat acceptance.
func (l *log) hasMessageFrom(ownerKey string) bool {
	l.mux.RLock()
	defer l.mux.RUnlock()

	for _, m := range l.order {
		if m.OwnerKey == ownerKey {
			return true
		}
	}
	return false
}

// removeExpired deletes every message whose TTL has elapsed and returns
// their IDs along with the number of messages left.
func (l *log) removeExpired(now time.Time) ([]string, int) {
	l.mux.Lock()
	defer l.mux.Unlock()

	var removed []string
	kept := l.order[:0]
	for _, m := range l.order {
		if m.Expired(now) {
			delete(l.byID, m.ID)
			removed = append(removed, m.ID)
		} else {
			kept = append(kept, m)
		}
	}
	l.order = kept
	return removed, len(l.order)
}

// size returns the number of stored messages.
func (l *log) size() int {
	l.mux.RLock()
	defer l.mux.RUnlock()
	return len(l.order)
}

// insertOrdered places the message at its sorted position. Must be called
// with the write lock held.
func (l *log) insertOrdered(m *Message) {
	i := sort.Search(len(l.order), func(i int) bool {
		return m.orderBefore(l.order[i])
	})
	l.order = append(l.order, nil)
	copy(l.order[i+1:], l.order[i:])
	l.order[i] = m
}

// removeOrdered takes the message out of the index. Must be called with the
// write lock held.
func (l *log) removeOrdered(m *Message) {
	for i, cur := range l.order {
		if cur == m {
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}
