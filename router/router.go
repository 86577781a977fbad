////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package router classifies every inbound transport event and dispatches it
// into the chat log, the receipt engine, or the group registry with a fixed
// precedence. The router holds no message state of its own; it reads from and
// writes to the other components.
package router

import (
	"github.com/golang-collections/collections/set"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/whispermesh/client/catalog"
	"gitlab.com/whispermesh/client/chatlog"
	"gitlab.com/whispermesh/client/event"
	"gitlab.com/whispermesh/client/groupchat"
	"gitlab.com/whispermesh/client/receipts"
	"gitlab.com/xx_network/primitives/netTime"
)

// Decision is the local user's explicit call on a message request.
type Decision uint8

const (
	DecisionUnset Decision = iota
	DecisionAccepted
	DecisionRejected
)

// DecisionSource looks up the local user's request decision for a peer.
type DecisionSource interface {
	Decision(peerKey string) Decision
}

// Social is the identity/social-graph capability. Only the boolean results
// are consumed; follow computation lives outside this layer.
type Social interface {
	IsFollowing(peerKey string) bool
	Muted() *set.Set
}

// Groups is the group registry surface the router dispatches into,
// implemented by groupchat.Manager.
type Groups interface {
	RegisterGroup(g groupchat.Group) error
	EnsureGroup(groupID string) *groupchat.Group
	UpdateMetadata(groupID, name string, members []string)
	ApplyDistribution(ownerKey, content string) error
}

// Params carries the router's feature toggles.
type Params struct {
	// RequestsEnabled allows unaccepted 1:1 chats to land as message
	// requests. When false, events from unaccepted peers are gated out
	// before they reach the chat log.
	RequestsEnabled bool
}

// DefaultParams enables message requests.
func DefaultParams() Params {
	return Params{RequestsEnabled: true}
}

// Router dispatches one inbound event at a time. Safe for concurrent use;
// per-chat atomicity is the store's concern.
type Router struct {
	localKey string
	devices  *set.Set

	store     *chatlog.Store
	engine    *receipts.Engine
	groups    Groups
	social    Social
	decisions DecisionSource
	onTyping  func(chatID string)

	params Params
	dedup  *dedup
}

// NewRouter wires the router. deviceKeys are the transport keys of the local
// identity's other registered devices. social, decisions, and onTyping may be
// nil; absent capabilities read as not-following, empty mute set, unset
// decision, and no typing surface.
func NewRouter(localKey string, deviceKeys []string, store *chatlog.Store,
	engine *receipts.Engine, groups Groups, social Social,
	decisions DecisionSource, onTyping func(chatID string),
	params Params) *Router {

	devices := set.New()
	for _, dk := range deviceKeys {
		devices.Insert(dk)
	}

	return &Router{
		localKey:  localKey,
		devices:   devices,
		store:     store,
		engine:    engine,
		groups:    groups,
		social:    social,
		decisions: decisions,
		onTyping:  onTyping,
		params:    params,
		dedup:     newDedup(),
	}
}

// HandleEvent classifies and dispatches one inbound event. Precedence:
// own-device normalization, mute filter, duplicate drop, group create, group
// traffic, 1:1 traffic. Events that fit no classification are ignored
// silently.
func (r *Router) HandleEvent(ev event.Event) {
	ownDevice := r.isOwnDevice(ev.SenderKey)
	ownerKey := ev.SenderKey
	if ownDevice {
		// Multi-device self traffic must not appear as messages from a
		// stranger; the logical owner is the local identity.
		ownerKey = r.localKey
	}

	if !ownDevice && r.isMuted(ownerKey) {
		jww.TRACE.Printf("[RTR] Dropped event %s from muted %s.",
			ev.ID, ownerKey)
		return
	}

	if ev.ID != "" && r.dedup.seen(ev.ID) {
		jww.TRACE.Printf("[RTR] Dropped redelivered event %s.", ev.ID)
		return
	}

	if groupID, ok := ev.GroupID(); ok {
		if catalog.Kind(ev.Kind) == catalog.ChannelCreate {
			r.handleGroupCreate(groupID, ev)
		} else {
			r.handleGroup(groupID, ownerKey, ev)
		}
		return
	}

	if _, ok := ev.PeerKey(); ok {
		r.handleDirect(ownerKey, ownDevice, ev)
		return
	}

	jww.TRACE.Printf("[RTR] Ignored unclassifiable event %s (kind %s).",
		ev.ID, catalog.Kind(ev.Kind))
}

// handleGroupCreate registers the group named by a channel-create event.
// Creation events carry metadata only and are not stored in the chat log.
func (r *Router) handleGroupCreate(groupID string, ev event.Event) {
	name, err := groupchat.ParseMetadata(ev.Content)
	if err != nil {
		jww.WARN.Printf("[RTR] Dropping group create %s: %+v", ev.ID, err)
		return
	}
	err = r.groups.RegisterGroup(groupchat.Group{
		ID:      groupID,
		Name:    name,
		Members: ev.TagValues(event.TagPeer),
		Created: ev.CreatedAt,
	})
	if err != nil {
		jww.ERROR.Printf("[RTR] Failed to register group %s: %+v",
			groupID, err)
	}
}

// handleGroup dispatches group-tagged traffic. An unknown group is
// materialized as a placeholder so the message has somewhere to land.
func (r *Router) handleGroup(groupID, ownerKey string, ev event.Event) {
	r.groups.EnsureGroup(groupID)

	switch catalog.Kind(ev.Kind) {
	case catalog.SenderKeyDistribution:
		if err := r.groups.ApplyDistribution(ownerKey, ev.Content); err != nil {
			jww.WARN.Printf("[RTR] Dropping sender key distribution %s: %+v",
				ev.ID, err)
		}
		return
	case catalog.Typing:
		return
	case catalog.Reaction:
		r.applyReaction(groupID, ownerKey, ev)
		return
	case catalog.GroupMetadata:
		// Unparsable metadata drops the registry update only; the event
		// still lands in the log as a settings-change entry.
		if name, err := groupchat.ParseMetadata(ev.Content); err != nil {
			jww.WARN.Printf("[RTR] Ignoring malformed group metadata %s: %+v",
				ev.ID, err)
		} else {
			r.groups.UpdateMetadata(groupID, name,
				ev.TagValues(event.TagPeer))
		}
	}

	r.store.Upsert(groupID, chatlog.FromEvent(ev, ownerKey))
}

// handleDirect dispatches 1:1 traffic. The chat ID is the other party
// relative to the local identity.
func (r *Router) handleDirect(ownerKey string, ownDevice bool,
	ev event.Event) {
	chatID := ownerKey
	if ownDevice {
		peer, _ := ev.PeerKey()
		chatID = peer
	}

	// Receipts reference the local user's own outbound messages, so they
	// apply before the acceptance gate.
	if catalog.Kind(ev.Kind) == catalog.Receipt {
		r.engine.ApplyInbound(chatID, catalog.ParseReceiptType(ev.Content),
			ev.TagValues(event.TagReply))
		return
	}

	accepted := ownDevice ||
		r.isFollowing(chatID) ||
		r.decision(chatID) == DecisionAccepted ||
		r.store.HasMessageFrom(chatID, r.localKey)
	gated := !r.params.RequestsEnabled ||
		r.decision(chatID) == DecisionRejected
	if !accepted && gated {
		jww.DEBUG.Printf("[RTR] Gated event %s from unaccepted %s.",
			ev.ID, chatID)
		return
	}

	switch catalog.Kind(ev.Kind) {
	case catalog.Typing:
		if !ownDevice && r.onTyping != nil {
			r.onTyping(chatID)
		}
		return
	case catalog.Reaction:
		r.applyReaction(chatID, ownerKey, ev)
		return
	}

	msg := chatlog.FromEvent(ev, ownerKey)
	if accepted && !ownDevice {
		msg.Status = chatlog.StatusDelivered
		msg.DeliveredAtMs = netTime.Now().UnixMilli()
	}
	r.store.Upsert(chatID, msg)

	if accepted && !ownDevice {
		r.engine.AcknowledgeDelivered(chatID, []string{ev.ID})
	}
}

// applyReaction folds a reaction into its target message, last reaction per
// reactor wins. A reaction whose target has not arrived is dropped; there is
// no provisional storage for early reactions.
func (r *Router) applyReaction(chatID, ownerKey string, ev event.Event) {
	if err := ValidateReaction(ev.Content); err != nil {
		jww.WARN.Printf("[RTR] Dropping reaction %s from %s: %+v",
			ev.ID, ownerKey, err)
		return
	}
	target, ok := ev.ReplyTo()
	if !ok {
		jww.WARN.Printf("[RTR] Dropping reaction %s from %s: no target.",
			ev.ID, ownerKey)
		return
	}
	if !r.store.SetReaction(chatID, target, ownerKey, ev.Content) {
		jww.WARN.Printf(
			"[RTR] Dropping reaction %s from %s: target %s not in %s.",
			ev.ID, ownerKey, target, chatID)
	}
}

func (r *Router) isOwnDevice(senderKey string) bool {
	return senderKey == r.localKey || r.devices.Has(senderKey)
}

func (r *Router) isMuted(ownerKey string) bool {
	if r.social == nil {
		return false
	}
	muted := r.social.Muted()
	return muted != nil && muted.Has(ownerKey)
}

func (r *Router) isFollowing(peerKey string) bool {
	return r.social != nil && r.social.IsFollowing(peerKey)
}

func (r *Router) decision(peerKey string) Decision {
	if r.decisions == nil {
		return DecisionUnset
	}
	return r.decisions.Decision(peerKey)
}
