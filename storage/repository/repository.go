////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package repository implements the chat log persistence capability on a
// versioned key/value store: one message set per chat ID, one last-seen map,
// and a chat index for rehydration.
package repository

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/whispermesh/client/chatlog"
	"gitlab.com/whispermesh/client/storage/versioned"
	"gitlab.com/xx_network/primitives/netTime"
)

const (
	repositoryPrefix = "repository"

	chatIndexKey     = "chatIndex"
	chatIndexVersion = 0

	messageSetKeyPrefix = "messages/"
	messageSetVersion   = 0

	lastSeenKey     = "lastSeen"
	lastSeenVersion = 0
)

// Error messages.
const (
	loadIndexErr   = "failed to load chat index: %+v"
	loadChatErr    = "failed to load message set for chat %s: %+v"
	decodeChatErr  = "failed to decode message set for chat %s: %+v"
	storeChatErr   = "failed to store message set for chat %s: %+v"
	storeIndexErr  = "failed to store chat index: %+v"
	storeMarkerErr = "failed to store last-seen markers: %+v"
)

// Store is the on-disk chat repository. All methods are safe for concurrent
// use; writes serialize on one mutex because every write rewrites a whole
// per-chat set.
type Store struct {
	kv  *versioned.KV
	mux sync.Mutex
}

// NewStore creates a repository rooted at the "repository" prefix of kv.
func NewStore(kv *versioned.KV) *Store {
	return &Store{kv: kv.Prefix(repositoryPrefix)}
}

// Save upserts one message into its chat's persisted set.
func (s *Store) Save(chatID string, m chatlog.Message) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	set, err := s.loadSet(chatID)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		if err = s.addToIndex(chatID); err != nil {
			return err
		}
	}
	set[m.ID] = m
	return s.storeSet(chatID, set)
}

// DeleteMessage removes one message from its chat's persisted set. Deleting
// the last message drops the set and the index entry.
func (s *Store) DeleteMessage(chatID, id string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	set, err := s.loadSet(chatID)
	if err != nil {
		return err
	}
	if _, ok := set[id]; !ok {
		return nil
	}
	delete(set, id)
	if len(set) == 0 {
		return s.dropChat(chatID)
	}
	return s.storeSet(chatID, set)
}

// DeleteBySession removes the chat's entire persisted set.
func (s *Store) DeleteBySession(chatID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.dropChat(chatID)
}

// LoadAll returns every persisted message set, keyed by chat ID. Used once
// at rehydration; ordering is the chat log's concern.
func (s *Store) LoadAll() (map[string][]chatlog.Message, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]chatlog.Message, len(index))
	for _, chatID := range index {
		set, err := s.loadSet(chatID)
		if err != nil {
			// One corrupt chat must not block rehydration of the rest.
			jww.ERROR.Printf(loadChatErr, chatID, err)
			continue
		}
		msgs := make([]chatlog.Message, 0, len(set))
		for _, m := range set {
			msgs = append(msgs, m)
		}
		out[chatID] = msgs
	}
	return out, nil
}

// LoadLastSeen returns the last-seen marker map.
func (s *Store) LoadLastSeen() (map[string]int64, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.loadMarkers()
}

// SaveLastSeen upserts one chat's marker.
func (s *Store) SaveLastSeen(chatID string, ts int64) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	markers, err := s.loadMarkers()
	if err != nil {
		return err
	}
	markers[chatID] = ts
	return s.storeMarkers(markers)
}

// DeleteLastSeen removes one chat's marker.
func (s *Store) DeleteLastSeen(chatID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	markers, err := s.loadMarkers()
	if err != nil {
		return err
	}
	if _, ok := markers[chatID]; !ok {
		return nil
	}
	delete(markers, chatID)
	return s.storeMarkers(markers)
}

// ClearAll removes every persisted chat and marker.
func (s *Store) ClearAll() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	for _, chatID := range index {
		if err = s.kv.Delete(messageSetKeyPrefix+chatID,
			messageSetVersion); err != nil && s.kv.Exists(err) {
			return err
		}
	}
	if err = s.kv.Delete(chatIndexKey, chatIndexVersion); err != nil &&
		s.kv.Exists(err) {
		return err
	}
	if err = s.kv.Delete(lastSeenKey, lastSeenVersion); err != nil &&
		s.kv.Exists(err) {
		return err
	}
	return nil
}

func (s *Store) loadIndex() ([]string, error) {
	obj, err := s.kv.Get(chatIndexKey, chatIndexVersion)
	if err != nil {
		if !s.kv.Exists(err) {
			return nil, nil
		}
		return nil, errors.Errorf(loadIndexErr, err)
	}
	var index []string
	if err = json.Unmarshal(obj.Data, &index); err != nil {
		return nil, errors.Errorf(loadIndexErr, err)
	}
	return index, nil
}

func (s *Store) storeIndex(index []string) error {
	data, err := json.Marshal(index)
	if err != nil {
		return errors.Errorf(storeIndexErr, err)
	}
	return s.kv.Set(chatIndexKey, &versioned.Object{
		Version:   chatIndexVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}

func (s *Store) addToIndex(chatID string) error {
	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	for _, id := range index {
		if id == chatID {
			return nil
		}
	}
	return s.storeIndex(append(index, chatID))
}

func (s *Store) removeFromIndex(chatID string) error {
	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	for i, id := range index {
		if id == chatID {
			return s.storeIndex(append(index[:i], index[i+1:]...))
		}
	}
	return nil
}

func (s *Store) loadSet(chatID string) (map[string]chatlog.Message, error) {
	obj, err := s.kv.Get(messageSetKeyPrefix+chatID, messageSetVersion)
	if err != nil {
		if !s.kv.Exists(err) {
			return make(map[string]chatlog.Message), nil
		}
		return nil, errors.Errorf(loadChatErr, chatID, err)
	}
	set := make(map[string]chatlog.Message)
	if err = json.Unmarshal(obj.Data, &set); err != nil {
		return nil, errors.Errorf(decodeChatErr, chatID, err)
	}
	return set, nil
}

func (s *Store) storeSet(chatID string, set map[string]chatlog.Message) error {
	data, err := json.Marshal(set)
	if err != nil {
		return errors.Errorf(storeChatErr, chatID, err)
	}
	return s.kv.Set(messageSetKeyPrefix+chatID, &versioned.Object{
		Version:   messageSetVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}

func (s *Store) dropChat(chatID string) error {
	if err := s.kv.Delete(messageSetKeyPrefix+chatID,
		messageSetVersion); err != nil && s.kv.Exists(err) {
		return err
	}
	return s.removeFromIndex(chatID)
}

func (s *Store) loadMarkers() (map[string]int64, error) {
	obj, err := s.kv.Get(lastSeenKey, lastSeenVersion)
	if err != nil {
		if !s.kv.Exists(err) {
			return make(map[string]int64), nil
		}
		return nil, err
	}
	markers := make(map[string]int64)
	if err = json.Unmarshal(obj.Data, &markers); err != nil {
		return nil, err
	}
	return markers, nil
}

func (s *Store) storeMarkers(markers map[string]int64) error {
	data, err := json.Marshal(markers)
	if err != nil {
		return errors.Errorf(storeMarkerErr, err)
	}
	return s.kv.Set(lastSeenKey, &versioned.Object{
		Version:   lastSeenVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}
