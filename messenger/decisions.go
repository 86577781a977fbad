////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package messenger

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"gitlab.com/whispermesh/client/router"
	"gitlab.com/whispermesh/client/storage/versioned"
	"gitlab.com/xx_network/primitives/netTime"
)

const (
	decisionsKey     = "requestDecisions"
	decisionsVersion = 0
)

// Error messages.
const (
	loadDecisionsErr  = "failed to load request decisions: %+v"
	storeDecisionsErr = "failed to store request decisions: %+v"
)

// decisionStore persists the local user's explicit accept/reject calls on
// message requests. Decisions only ever change by local user action, so
// writes are synchronous and rare.
type decisionStore struct {
	kv        *versioned.KV
	decisions map[string]router.Decision
	mux       sync.RWMutex
}

func newDecisionStore(kv *versioned.KV) (*decisionStore, error) {
	d := &decisionStore{
		kv:        kv,
		decisions: make(map[string]router.Decision),
	}

	obj, err := kv.Get(decisionsKey, decisionsVersion)
	if err != nil {
		if !kv.Exists(err) {
			return d, nil
		}
		return nil, errors.Errorf(loadDecisionsErr, err)
	}
	if err = json.Unmarshal(obj.Data, &d.decisions); err != nil {
		return nil, errors.Errorf(loadDecisionsErr, err)
	}
	return d, nil
}

// Decision implements router.DecisionSource.
func (d *decisionStore) Decision(peerKey string) router.Decision {
	d.mux.RLock()
	defer d.mux.RUnlock()
	return d.decisions[peerKey]
}

// Set records and persists the decision for the peer.
func (d *decisionStore) Set(peerKey string, dec router.Decision) error {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.decisions[peerKey] = dec
	return d.store()
}

// Delete forgets the decision for the peer, used on session teardown.
func (d *decisionStore) Delete(peerKey string) error {
	d.mux.Lock()
	defer d.mux.Unlock()
	delete(d.decisions, peerKey)
	return d.store()
}

// store persists the map. Must be called with the mutex held.
func (d *decisionStore) store() error {
	data, err := json.Marshal(d.decisions)
	if err != nil {
		return errors.Errorf(storeDecisionsErr, err)
	}
	return d.kv.Set(decisionsKey, &versioned.Object{
		Version:   decisionsVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}
