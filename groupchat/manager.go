////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package groupchat coordinates outbound group sends. A group message is
// encrypted once under a shared ratcheting sender key instead of per
// recipient, which makes chain-position reuse a confidentiality hazard: all
// chain-advancing work is serialized per group and the chain state is
// persisted before any publish.
package groupchat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/whispermesh/client/catalog"
	"gitlab.com/whispermesh/client/chatlog"
	"gitlab.com/whispermesh/client/event"
	"gitlab.com/whispermesh/client/stoppable"
	"gitlab.com/whispermesh/client/storage/versioned"
	"gitlab.com/whispermesh/client/tasks"
	"gitlab.com/xx_network/primitives/netTime"
)

const (
	groupChatPrefix = "groupChat"

	memberKeysKeyPrefix = "memberKeys/"
	memberKeysVersion   = 0
)

// Error messages.
const (
	noGroupErr        = "no group found with ID %s"
	noSessionErr      = "cannot send to group %s: no session capability configured"
	noPublisherErr    = "cannot send to group %s: no publish capability configured"
	distributionErr   = "failed to record sender key distribution for group %s: %+v"
	publishFailedErr  = "[GC] Failed to publish message %s to group %s: %+v"
	decodeDistErr     = "failed to decode sender key distribution from %s: %+v"
	rekeyAbortedErr   = "rekey of group %s abandoned: send worker stopped"
	storeMemberKeyErr = "failed to store member sender key for group %s: %+v"
)

// Session delivers an event to one peer over their 1:1 encrypted session.
type Session interface {
	SendEvent(peerKey string, ev event.Event) error
}

// Publisher hands the sealed outer event to the relay fan-out and returns
// the transport event ID.
type Publisher interface {
	Publish(out OuterEvent) (relayID string, err error)
}

// OuterEvent is the single encrypted event published for a group message.
type OuterEvent struct {
	GroupID      string `json:"groupId"`
	SenderDevice string `json:"senderDevice"`
	KeyID        string `json:"keyId"`
	Iteration    uint32 `json:"iteration"`
	Ciphertext   []byte `json:"ciphertext"`
}

// SendOpts carries the optional annotations of a group send.
type SendOpts struct {
	// ReplyTo references the message being replied to.
	ReplyTo string
	// TTLSeconds makes the message disappear that many seconds after
	// creation. Zero means no expiration.
	TTLSeconds int64
}

// Manager owns the group registry, the per-group sender-key chains, and the
// per-group send serialization.
type Manager struct {
	localKey string
	deviceID string

	groups map[string]*Group
	chains map[string]*senderKeyState
	queues map[string]*sendQueue

	kv        *versioned.KV
	store     *chatlog.Store
	session   Session
	publisher Publisher
	run       *tasks.Runner
	workers   *stoppable.Multi

	mux sync.Mutex
}

// NewManager restores the group registry from the KV and returns a ready
// Manager. session and publisher may be nil for read-only use; Send fails
// explicitly without them.
func NewManager(localKey, deviceID string, kv *versioned.KV,
	store *chatlog.Store, session Session, publisher Publisher,
	run *tasks.Runner) (*Manager, error) {
	m := &Manager{
		localKey:  localKey,
		deviceID:  deviceID,
		groups:    make(map[string]*Group),
		chains:    make(map[string]*senderKeyState),
		queues:    make(map[string]*sendQueue),
		kv:        kv.Prefix(groupChatPrefix),
		store:     store,
		session:   session,
		publisher: publisher,
		run:       run,
		workers:   stoppable.NewMulti("groupchat-workers"),
	}
	if err := m.loadRegistry(); err != nil {
		return nil, err
	}
	return m, nil
}

// Send queues a group chat message. The local echo is stored synchronously
// before Send returns; encryption and publish happen on the group's worker
// in FIFO submission order. Returns the message ID.
func (m *Manager) Send(groupID, content string, opts SendOpts) (string, error) {
	if m.session == nil {
		return "", errors.Errorf(noSessionErr, groupID)
	}
	if m.publisher == nil {
		return "", errors.Errorf(noPublisherErr, groupID)
	}

	g, exists := m.GetGroup(groupID)
	if !exists {
		return "", errors.Errorf(noGroupErr, groupID)
	}

	// Surface a poisoned chain to the caller before anything is queued.
	if _, err := m.getChain(groupID); err != nil {
		return "", err
	}

	now := netTime.Now()
	msg := m.buildMessage(groupID, content, opts, now)
	m.store.Upsert(groupID, msg)

	m.queueFor(groupID).submit(func() { m.runSend(g, msg) })

	return msg.ID, nil
}

// SendMetadata delivers a group control payload (kind group-metadata) to
// every member over their individual 1:1 sessions. Control sends do not
// touch the shared chain and bypass the send queue.
func (m *Manager) SendMetadata(groupID, metadataJSON string) (string, error) {
	if m.session == nil {
		return "", errors.Errorf(noSessionErr, groupID)
	}
	g, exists := m.GetGroup(groupID)
	if !exists {
		return "", errors.Errorf(noGroupErr, groupID)
	}

	now := netTime.Now()
	msg := chatlog.Message{
		ID:        event.DeriveID(groupID, m.localKey, now.UnixNano(), metadataJSON),
		OwnerKey:  m.localKey,
		Kind:      catalog.GroupMetadata,
		CreatedAt: now.Unix(),
		Millis:    int64(now.UnixMilli() % 1000),
		Content:   metadataJSON,
		Tags:      []event.Tag{{event.TagGroup, groupID}},
	}
	m.store.Upsert(groupID, msg)

	ev := m.toEvent(msg)
	for _, member := range g.Members {
		if member == m.localKey {
			continue
		}
		member := member
		m.run.Go(fmt.Sprintf("send group metadata to %s", member),
			func() error { return m.session.SendEvent(member, ev) })
	}
	return msg.ID, nil
}

// Rekey establishes a fresh sender key for the group: new key ID, iteration
// zero, distribution pending. The explicit path out of a corrupt chain.
// Rekeying runs on the group's send worker behind any queued sends, so an
// in-flight send cannot persist the old chain over the new one.
func (m *Manager) Rekey(groupID string) error {
	q := m.queueFor(groupID)
	done := make(chan error, 1)
	q.submit(func() { done <- m.rekey(groupID) })

	select {
	case err := <-done:
		return err
	case <-q.stop.Quit():
		return errors.Errorf(rekeyAbortedErr, groupID)
	}
}

func (m *Manager) rekey(groupID string) error {
	sk, err := newSenderKeyState(groupID)
	if err != nil {
		return err
	}
	if err = m.persistChain(sk); err != nil {
		return err
	}

	m.mux.Lock()
	m.chains[groupID] = sk
	m.mux.Unlock()

	jww.INFO.Printf("[GC] Rekeyed group %s under key %s.", groupID, sk.KeyID)
	return nil
}

// ApplyDistribution records a member's sender key received over a 1:1
// session so the transport can decrypt their group messages.
func (m *Manager) ApplyDistribution(ownerKey, content string) error {
	dist := senderKeyDistribution{}
	if err := json.Unmarshal([]byte(content), &dist); err != nil {
		return errors.Errorf(decodeDistErr, ownerKey, err)
	}
	if dist.GroupID == "" || len(dist.ChainKey) != chainKeyLen {
		return errors.Errorf(decodeDistErr, ownerKey,
			"missing group or malformed chain key")
	}

	m.EnsureGroup(dist.GroupID)

	m.mux.Lock()
	defer m.mux.Unlock()

	keys, err := m.loadMemberKeys(dist.GroupID)
	if err != nil {
		return err
	}
	keys[ownerKey] = dist
	return m.storeMemberKeys(dist.GroupID, keys)
}

// Stop shuts down every group send worker. Queued jobs that have not
// started are abandoned; in-flight publishes complete silently.
func (m *Manager) Stop() error {
	return m.workers.Close()
}

// runSend executes steps the caller queued: one-time distribution, chain
// advance with persist-before-publish, seal, publish. Runs on the group's
// worker; never concurrently for the same group.
func (m *Manager) runSend(g Group, msg chatlog.Message) {
	sk, err := m.getChain(g.ID)
	if err != nil {
		jww.ERROR.Printf("[GC] Send of %s blocked: %+v", msg.ID, err)
		return
	}

	// One-time sender key distribution. The flag is persisted before the
	// chain advances so a crash cannot leave members without the key while
	// the chain moves on.
	if !sk.DistributionSent {
		dist := senderKeyDistribution{
			GroupID:   g.ID,
			KeyID:     sk.KeyID,
			ChainKey:  sk.ChainKey,
			Iteration: sk.Iteration,
			DeviceID:  m.deviceID,
		}
		payload, err := json.Marshal(dist)
		if err != nil {
			jww.ERROR.Printf(distributionErr, g.ID, err)
			return
		}

		distEv := event.Event{
			ID:        event.DeriveID(g.ID, m.localKey, netTime.Now().UnixNano(), "dist"),
			SenderKey: m.localKey,
			Kind:      uint32(catalog.SenderKeyDistribution),
			CreatedAt: netTime.Now().Unix(),
			Content:   string(payload),
			Tags:      []event.Tag{{event.TagGroup, g.ID}},
		}
		for _, member := range g.Members {
			if member == m.localKey {
				continue
			}
			member := member
			m.run.Go(fmt.Sprintf("distribute sender key to %s", member),
				func() error { return m.session.SendEvent(member, distEv) })
		}

		sk.DistributionSent = true
		if err = m.persistChain(sk); err != nil {
			sk.DistributionSent = false
			jww.ERROR.Printf(distributionErr, g.ID, err)
			return
		}
	}

	// Advance exactly once and persist the new position before touching the
	// network, so a crash after encryption cannot replay this iteration.
	messageKey, iteration, err := sk.advance()
	if err != nil {
		jww.ERROR.Printf("[GC] %+v", err)
		return
	}
	if err = m.persistChain(sk); err != nil {
		// Publishing against unpersisted chain state risks reuse on
		// restart. The chain stays advanced in memory; this message is
		// simply never published.
		jww.ERROR.Printf("[GC] %+v", err)
		return
	}

	plaintext, err := json.Marshal(m.toEvent(msg))
	if err != nil {
		jww.ERROR.Printf("[GC] Failed to encode message %s: %+v", msg.ID, err)
		return
	}
	ciphertext, err := seal(messageKey, g.ID, iteration, plaintext)
	if err != nil {
		jww.ERROR.Printf("[GC] Failed to seal message %s: %+v", msg.ID, err)
		return
	}

	out := OuterEvent{
		GroupID:      g.ID,
		SenderDevice: m.deviceID,
		KeyID:        sk.KeyID,
		Iteration:    iteration,
		Ciphertext:   ciphertext,
	}

	var relayID string
	err = tasks.Await("publish group message", tasks.AwaitTimeout,
		func() error {
			var pubErr error
			relayID, pubErr = m.publisher.Publish(out)
			return pubErr
		})
	if err != nil {
		// No retry and no chain rollback: the chain must move forward even
		// when this publish failed, or the next send reuses the position.
		jww.ERROR.Printf(publishFailedErr, msg.ID, g.ID, err)
		return
	}

	sent := true
	m.store.UpdateMessage(g.ID, msg.ID, chatlog.Update{
		SentToRelays: &sent,
		RelayID:      &relayID,
	})
	jww.INFO.Printf("[GC] Published message %s to group %s at iteration %d.",
		msg.ID, g.ID, iteration)
}

// ChainIteration exposes the persisted chain position for diagnostics.
func (m *Manager) ChainIteration(groupID string) (uint32, error) {
	sk, err := m.loadChain(groupID)
	if err != nil {
		return 0, err
	}
	if sk == nil {
		return 0, nil
	}
	if sk.poisoned {
		return 0, ErrSenderKeyCorrupt
	}
	return sk.Iteration, nil
}

// getChain returns the cached chain, loading or creating it as needed.
// A poisoned chain surfaces as ErrSenderKeyCorrupt.
func (m *Manager) getChain(groupID string) (*senderKeyState, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	sk, ok := m.chains[groupID]
	if !ok {
		var err error
		sk, err = m.loadChain(groupID)
		if err != nil {
			return nil, err
		}
		if sk == nil {
			sk, err = newSenderKeyState(groupID)
			if err != nil {
				return nil, err
			}
			if err = m.persistChain(sk); err != nil {
				return nil, err
			}
		}
		m.chains[groupID] = sk
	}

	if sk.poisoned {
		return nil, ErrSenderKeyCorrupt
	}
	return sk, nil
}

// queueFor returns the group's send worker, starting it on first use.
func (m *Manager) queueFor(groupID string) *sendQueue {
	m.mux.Lock()
	defer m.mux.Unlock()

	q, ok := m.queues[groupID]
	if !ok {
		q = newSendQueue(groupID)
		m.queues[groupID] = q
		m.workers.Add(q.stop)
	}
	return q
}

// buildMessage assembles the optimistic local echo for a group text send.
func (m *Manager) buildMessage(groupID, content string, opts SendOpts,
	now time.Time) chatlog.Message {
	tags := []event.Tag{
		{event.TagGroup, groupID},
		{event.TagMillis, strconv.FormatInt(now.UnixMilli()%1000, 10)},
	}
	if opts.ReplyTo != "" {
		tags = append(tags, event.Tag{event.TagReply, opts.ReplyTo})
	}
	msg := chatlog.Message{
		ID:        event.DeriveID(groupID, m.localKey, now.UnixNano(), content),
		OwnerKey:  m.localKey,
		Kind:      catalog.Text,
		CreatedAt: now.Unix(),
		Millis:    now.UnixMilli() % 1000,
		Content:   content,
		Tags:      tags,
	}
	if opts.TTLSeconds > 0 {
		msg.ExpiresAt = now.Unix() + opts.TTLSeconds
		msg.Tags = append(msg.Tags, event.Tag{event.TagExpiration,
			strconv.FormatInt(msg.ExpiresAt, 10)})
	}
	return msg
}

// toEvent converts a stored message back to its wire shape for 1:1 session
// delivery or group sealing.
func (m *Manager) toEvent(msg chatlog.Message) event.Event {
	return event.Event{
		ID:        msg.ID,
		SenderKey: m.localKey,
		Kind:      uint32(msg.Kind),
		CreatedAt: msg.CreatedAt,
		Content:   msg.Content,
		Tags:      msg.Tags,
	}
}

// loadMemberKeys and storeMemberKeys keep the received member sender keys
// per group. Must be called with the mutex held.
func (m *Manager) loadMemberKeys(groupID string) (
	map[string]senderKeyDistribution, error) {
	obj, err := m.kv.Get(memberKeysKeyPrefix+groupID, memberKeysVersion)
	if err != nil {
		if !m.kv.Exists(err) {
			return make(map[string]senderKeyDistribution), nil
		}
		return nil, err
	}
	keys := make(map[string]senderKeyDistribution)
	if err = json.Unmarshal(obj.Data, &keys); err != nil {
		return nil, errors.Errorf(storeMemberKeyErr, groupID, err)
	}
	return keys, nil
}

func (m *Manager) storeMemberKeys(groupID string,
	keys map[string]senderKeyDistribution) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return errors.Errorf(storeMemberKeyErr, groupID, err)
	}
	return m.kv.Set(memberKeysKeyPrefix+groupID, &versioned.Object{
		Version:   memberKeysVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}

