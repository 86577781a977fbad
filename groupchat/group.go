////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package groupchat

import (
	"encoding/json"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/thedevsaddam/gojsonq"
	"gitlab.com/whispermesh/client/storage/versioned"
	"gitlab.com/xx_network/primitives/netTime"
)

const (
	groupRegistryKey     = "groupRegistry"
	groupRegistryVersion = 0
)

// Error messages.
const (
	loadRegistryErr   = "failed to load group registry: %+v"
	decodeRegistryErr = "failed to decode group registry: %+v"
	storeRegistryErr  = "failed to store group registry: %+v"
)

// Group is one registered group chat. Members holds the transport keys of
// every member including the local identity.
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
	Created int64    `json:"created"`

	// Placeholder marks a group materialized from an inbound reference
	// before its creation metadata arrived.
	Placeholder bool `json:"placeholder,omitempty"`
}

// ParseMetadata extracts the group name from a metadata JSON payload.
// Returns an error for unparsable JSON so the caller can drop that
// interpretation of the event.
func ParseMetadata(content string) (name string, err error) {
	if !json.Valid([]byte(content)) {
		return "", errors.Errorf("group metadata is not valid JSON: %q",
			content)
	}
	v := gojsonq.New().FromString(content).Find("name")
	if v == nil {
		return "", errors.New("group metadata carries no name")
	}
	name, ok := v.(string)
	if !ok {
		return "", errors.Errorf("group metadata name is not a string: %v", v)
	}
	return name, nil
}

// RegisterGroup stores a fully-specified group, replacing any placeholder
// with the same ID.
func (m *Manager) RegisterGroup(g Group) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	g.Placeholder = false
	if g.Created == 0 {
		g.Created = netTime.Now().Unix()
	}
	m.groups[g.ID] = &g
	jww.INFO.Printf("[GC] Registered group %q (%s) with %d members.",
		g.Name, g.ID, len(g.Members))
	return m.storeRegistry()
}

// EnsureGroup returns the group, materializing a minimal placeholder record
// (ID only) when the group is unknown so an inbound message has somewhere
// to land.
func (m *Manager) EnsureGroup(groupID string) *Group {
	m.mux.Lock()
	defer m.mux.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		g = &Group{
			ID:          groupID,
			Name:        groupID,
			Created:     netTime.Now().Unix(),
			Placeholder: true,
		}
		m.groups[groupID] = g
		jww.DEBUG.Printf("[GC] Materialized placeholder for group %s.",
			groupID)
		if err := m.storeRegistry(); err != nil {
			jww.ERROR.Printf("[GC] %+v", err)
		}
	}
	out := *g
	return &out
}

// GetGroup returns the group, if registered.
func (m *Manager) GetGroup(groupID string) (Group, bool) {
	m.mux.Lock()
	defer m.mux.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return Group{}, false
	}
	return *g, true
}

// UpdateMetadata applies a group-metadata payload (name, and member list if
// the caller resolved one) to a known or placeholder group.
func (m *Manager) UpdateMetadata(groupID, name string, members []string) {
	m.mux.Lock()
	defer m.mux.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		g = &Group{ID: groupID, Created: netTime.Now().Unix()}
		m.groups[groupID] = g
	}
	if name != "" {
		g.Name = name
	}
	if members != nil {
		g.Members = members
	}
	g.Placeholder = false
	if err := m.storeRegistry(); err != nil {
		jww.ERROR.Printf("[GC] %+v", err)
	}
}

// RemoveGroup forgets the group and its sender-key state. Used on session
// teardown.
func (m *Manager) RemoveGroup(groupID string) {
	m.mux.Lock()
	delete(m.groups, groupID)
	if err := m.storeRegistry(); err != nil {
		jww.ERROR.Printf("[GC] %+v", err)
	}
	delete(m.chains, groupID)
	m.mux.Unlock()

	if err := m.kv.Delete(senderKeyKeyPrefix+groupID,
		senderKeyVersion); err != nil && m.kv.Exists(err) {
		jww.ERROR.Printf(
			"[GC] Failed to delete sender key for %s: %+v", groupID, err)
	}
}

// loadRegistry restores the group map from the KV. Missing registry is an
// empty one.
func (m *Manager) loadRegistry() error {
	obj, err := m.kv.Get(groupRegistryKey, groupRegistryVersion)
	if err != nil {
		if !m.kv.Exists(err) {
			return nil
		}
		return errors.Errorf(loadRegistryErr, err)
	}
	groups := make(map[string]*Group)
	if err = json.Unmarshal(obj.Data, &groups); err != nil {
		return errors.Errorf(decodeRegistryErr, err)
	}
	m.groups = groups
	return nil
}

// storeRegistry persists the group map. Must be called with the mutex held.
func (m *Manager) storeRegistry() error {
	data, err := json.Marshal(m.groups)
	if err != nil {
		return errors.Errorf(storeRegistryErr, err)
	}
	return m.kv.Set(groupRegistryKey, &versioned.Object{
		Version:   groupRegistryVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}
