////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package chatlog owns the in-memory chat state: one ordered message log per
// chat ID plus the last-seen markers. In-memory state is authoritative;
// persistence catches up in the background and its failure is logged only.
package chatlog

import (
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/whispermesh/client/catalog"
	"gitlab.com/whispermesh/client/tasks"
	"gitlab.com/xx_network/primitives/netTime"
)

// Repository is the persistence capability consumed by the Store. Exact
// serialization is the repository's concern; the store only requires one
// message set per chat ID and one last-seen timestamp per chat ID.
type Repository interface {
	Save(chatID string, m Message) error
	DeleteMessage(chatID, id string) error
	DeleteBySession(chatID string) error
	LoadAll() (map[string][]Message, error)

	LoadLastSeen() (map[string]int64, error)
	SaveLastSeen(chatID string, ts int64) error
	DeleteLastSeen(chatID string) error

	ClearAll() error
}

// Store is the arena of chat logs, keyed by chat ID (peer identity for 1:1
// chats, group identity for groups). Logs are created on first reference and
// destroyed on session removal or when emptied by the expiration purge.
type Store struct {
	logs     map[string]*log
	lastSeen map[string]int64

	repo Repository
	run  *tasks.Runner

	mux sync.RWMutex
}

// NewStore creates an empty Store over the given repository. Call Rehydrate
// to load persisted state.
func NewStore(repo Repository, run *tasks.Runner) *Store {
	return &Store{
		logs:     make(map[string]*log),
		lastSeen: make(map[string]int64),
		repo:     repo,
		run:      run,
	}
}

// Rehydrate loads every persisted message set, purging anything whose TTL
// elapsed while the client was offline. Runs once at startup.
func (s *Store) Rehydrate() error {
	chats, err := s.repo.LoadAll()
	if err != nil {
		return err
	}

	now := netTime.Now()
	s.mux.Lock()
	for chatID, msgs := range chats {
		l := newLog(chatID)
		for i := range msgs {
			m := msgs[i]
			if m.Expired(now) {
				s.deleteFromRepo(chatID, m.ID)
				continue
			}
			stored := m.copy()
			l.byID[m.ID] = &stored
			l.insertOrdered(&stored)
		}
		if l.size() > 0 {
			s.logs[chatID] = l
		}
	}
	s.mux.Unlock()

	markers, err := s.repo.LoadLastSeen()
	if err != nil {
		jww.ERROR.Printf("[LOG] Failed to load last-seen markers: %+v", err)
	} else {
		s.mux.Lock()
		s.lastSeen = markers
		if s.lastSeen == nil {
			s.lastSeen = make(map[string]int64)
		}
		s.mux.Unlock()
	}

	jww.INFO.Printf("[LOG] Rehydrated %d chats.", len(chats))
	return nil
}

// Upsert inserts or merges the message under the chat's critical section and
// persists the result in the background. Returns a snapshot of the stored
// message.
func (s *Store) Upsert(chatID string, in Message) Message {
	l := s.getOrCreate(chatID)
	stored, changed := l.upsert(in)
	if changed {
		s.persist(chatID, stored)
	}
	s.sweepChat(chatID, l)
	return stored
}

// UpdateMessage shallow-merges the partial fields into the message. No-op if
// the message does not exist. Returns true if the message exists and
// something changed.
func (s *Store) UpdateMessage(chatID, id string, up Update) bool {
	l, ok := s.getLog(chatID)
	if !ok {
		return false
	}
	stored, exists, changed := l.update(id, up)
	if !exists {
		return false
	}
	if changed {
		s.persist(chatID, stored)
	}
	return changed
}

// SetReaction merges a reaction into the target message, last reaction per
// reactor wins. Returns false if the target is not present; the caller owns
// the drop policy for that case.
func (s *Store) SetReaction(chatID, targetID, reactor, content string) bool {
	l, ok := s.getLog(chatID)
	if !ok {
		return false
	}
	stored, exists := l.setReaction(targetID, reactor, content)
	if !exists {
		return false
	}
	s.persist(chatID, stored)
	return true
}

// Get returns a snapshot of one message.
func (s *Store) Get(chatID, id string) (Message, bool) {
	l, ok := s.getLog(chatID)
	if !ok {
		return Message{}, false
	}
	return l.get(id)
}

// Messages returns value snapshots of the chat's messages in log order,
// sweeping expired entries first.
func (s *Store) Messages(chatID string) []Message {
	l, ok := s.getLog(chatID)
	if !ok {
		return nil
	}
	s.sweepChat(chatID, l)
	return l.snapshot()
}

// Chats lists the chat IDs with at least one stored message.
func (s *Store) Chats() []string {
	s.mux.RLock()
	defer s.mux.RUnlock()

	out := make([]string, 0, len(s.logs))
	for chatID := range s.logs {
		out = append(out, chatID)
	}
	return out
}

// HasMessageFrom reports whether the chat holds any message authored by the
// given key.
func (s *Store) HasMessageFrom(chatID, ownerKey string) bool {
	l, ok := s.getLog(chatID)
	if !ok {
		return false
	}
	return l.hasMessageFrom(ownerKey)
}

// RemoveSession tears down the chat: log, last-seen marker, and persisted
// rows. In-flight work for the chat is allowed to complete silently.
func (s *Store) RemoveSession(chatID string) {
	s.mux.Lock()
	delete(s.logs, chatID)
	delete(s.lastSeen, chatID)
	s.mux.Unlock()

	if err := s.repo.DeleteBySession(chatID); err != nil {
		jww.ERROR.Printf(
			"[LOG] Failed to delete persisted chat %s: %+v", chatID, err)
	}
	if err := s.repo.DeleteLastSeen(chatID); err != nil {
		jww.ERROR.Printf(
			"[LOG] Failed to delete last-seen for %s: %+v", chatID, err)
	}
	jww.INFO.Printf("[LOG] Removed session %s.", chatID)
}

// SetLastSeen records when the local user last opened the chat. Only ever
// called for local opens; inbound traffic never moves the marker.
func (s *Store) SetLastSeen(chatID string, ts int64) {
	s.mux.Lock()
	s.lastSeen[chatID] = ts
	s.mux.Unlock()

	s.run.Go("save last-seen", func() error {
		return s.repo.SaveLastSeen(chatID, ts)
	})
}

// LastSeen returns the marker for the chat, zero if never opened.
func (s *Store) LastSeen(chatID string) int64 {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.lastSeen[chatID]
}

// UnseenCount derives how many messages from others arrived after the
// last-seen marker. Recomputed, never stored.
func (s *Store) UnseenCount(chatID, localKey string) int {
	marker := s.LastSeen(chatID)
	count := 0
	for _, m := range s.Messages(chatID) {
		if m.OwnerKey == localKey || m.Kind == catalog.Reaction {
			continue
		}
		if m.CreatedAt > marker {
			count++
		}
	}
	return count
}

// SweepExpired purges every expired message from memory and the repository.
// Logs emptied by the purge are dropped from the arena. Returns the number
// of messages purged. Expiration is purely local; nothing is re-broadcast.
func (s *Store) SweepExpired(now time.Time) int {
	s.mux.RLock()
	chats := make(map[string]*log, len(s.logs))
	for chatID, l := range s.logs {
		chats[chatID] = l
	}
	s.mux.RUnlock()

	purged := 0
	for chatID, l := range chats {
		removed, left := l.removeExpired(now)
		for _, id := range removed {
			s.deleteFromRepo(chatID, id)
		}
		purged += len(removed)
		if left == 0 && len(removed) > 0 {
			s.mux.Lock()
			if cur, ok := s.logs[chatID]; ok && cur.size() == 0 {
				delete(s.logs, chatID)
			}
			s.mux.Unlock()
		}
	}

	if purged > 0 {
		jww.INFO.Printf("[LOG] Purged %d expired messages.", purged)
	}
	return purged
}

// sweepChat opportunistically purges one chat on touch.
func (s *Store) sweepChat(chatID string, l *log) {
	removed, left := l.removeExpired(netTime.Now())
	for _, id := range removed {
		s.deleteFromRepo(chatID, id)
	}
	if left == 0 && len(removed) > 0 {
		s.mux.Lock()
		if cur, ok := s.logs[chatID]; ok && cur.size() == 0 {
			delete(s.logs, chatID)
		}
		s.mux.Unlock()
	}
}

// getOrCreate returns the chat's log, creating it on first reference.
// Double-checked so concurrent first references agree on one log.
func (s *Store) getOrCreate(chatID string) *log {
	s.mux.RLock()
	l, ok := s.logs[chatID]
	s.mux.RUnlock()
	if ok {
		return l
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	l, ok = s.logs[chatID]
	if !ok {
		l = newLog(chatID)
		s.logs[chatID] = l
	}
	return l
}

func (s *Store) getLog(chatID string) (*log, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	l, ok := s.logs[chatID]
	return l, ok
}

// persist writes the snapshot in the background; in-memory state stays
// authoritative on failure.
func (s *Store) persist(chatID string, m Message) {
	s.run.Go("persist message", func() error {
		return s.repo.Save(chatID, m)
	})
}

// deleteFromRepo removes a purged message synchronously so an expired
// message cannot outlive the sweep in storage.
func (s *Store) deleteFromRepo(chatID, id string) {
	if err := s.repo.DeleteMessage(chatID, id); err != nil {
		jww.ERROR.Printf("[LOG] Failed to delete expired message %s/%s: %+v",
			chatID, id, err)
	}
}
