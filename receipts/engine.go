////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package receipts escalates delivery status on stored messages and applies
// inbound receipts. Both escalation passes are idempotent; local status is
// independent of whether any transmitted receipt reaches the peer.
package receipts

import (
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/whispermesh/client/catalog"
	"gitlab.com/whispermesh/client/chatlog"
	"gitlab.com/whispermesh/client/tasks"
	"gitlab.com/xx_network/primitives/netTime"
)

// Sender transmits a receipt naming a set of message IDs. Implemented by the
// session capability.
type Sender interface {
	SendReceipt(chatID string, rt catalog.ReceiptType, ids []string) error
}

// Params carries the local feature toggles.
type Params struct {
	// DeliveryReceipts enables transmitting "delivered" receipts.
	DeliveryReceipts bool
	// ReadReceipts enables transmitting "seen" receipts.
	ReadReceipts bool
}

// DefaultParams enables both receipt features.
func DefaultParams() Params {
	return Params{DeliveryReceipts: true, ReadReceipts: true}
}

// Engine computes delivery-status transitions. It holds no state of its own
// beyond configuration; all message state lives in the chat log store.
type Engine struct {
	store    *chatlog.Store
	sender   Sender
	run      *tasks.Runner
	localKey string
	params   Params
}

// NewEngine wires the receipt engine. sender may be nil, in which case no
// receipts are ever transmitted (status escalation still happens locally).
func NewEngine(store *chatlog.Store, sender Sender, run *tasks.Runner,
	localKey string, params Params) *Engine {
	return &Engine{
		store:    store,
		sender:   sender,
		run:      run,
		localKey: localKey,
		params:   params,
	}
}

// MarkDelivered runs the delivered pass: every message in the chat authored
// by someone else, that is not a reaction and not already delivered-or-
// higher, is marked delivered now. If delivery receipts are enabled, one
// best-effort receipt naming exactly the touched IDs is transmitted.
// Calling it again is a no-op. Returns the touched IDs.
func (e *Engine) MarkDelivered(chatID string) []string {
	nowMs := netTime.Now().UnixMilli()
	status := chatlog.StatusDelivered

	var touched []string
	for _, m := range e.store.Messages(chatID) {
		if m.OwnerKey == e.localKey || m.Kind == catalog.Reaction ||
			m.Status >= chatlog.StatusDelivered {
			continue
		}
		if e.store.UpdateMessage(chatID, m.ID, chatlog.Update{
			Status:        &status,
			DeliveredAtMs: &nowMs,
		}) {
			touched = append(touched, m.ID)
		}
	}

	if len(touched) > 0 && e.params.DeliveryReceipts {
		e.transmit(chatID, catalog.Delivered, touched)
	}
	return touched
}

// MarkSeen runs the seen pass: every incoming message not already seen is
// marked seen now. There is no acceptance gating; seeing implies the user
// chose to view the thread. If read receipts are enabled, one best-effort
// receipt naming exactly the touched IDs is transmitted. Idempotent.
func (e *Engine) MarkSeen(chatID string) []string {
	nowMs := netTime.Now().UnixMilli()
	status := chatlog.StatusSeen

	var touched []string
	for _, m := range e.store.Messages(chatID) {
		if m.OwnerKey == e.localKey || m.Kind == catalog.Reaction ||
			m.Status >= chatlog.StatusSeen {
			continue
		}
		if e.store.UpdateMessage(chatID, m.ID, chatlog.Update{
			Status:        &status,
			DeliveredAtMs: &nowMs,
			SeenAtMs:      &nowMs,
		}) {
			touched = append(touched, m.ID)
		}
	}

	if len(touched) > 0 && e.params.ReadReceipts {
		e.transmit(chatID, catalog.Seen, touched)
	}
	return touched
}

// AcknowledgeDelivered transmits a best-effort delivered receipt for the
// given IDs, if the feature is enabled. Used by the router for the
// single-message acknowledgement on arrival.
func (e *Engine) AcknowledgeDelivered(chatID string, ids []string) {
	if !e.params.DeliveryReceipts || len(ids) == 0 {
		return
	}
	e.transmit(chatID, catalog.Delivered, ids)
}

// ApplyInbound applies a receipt the peer sent for messages the local
// identity authored. A receipt is proof of relay delivery, so SentToRelays
// is backfilled; each timestamp is recorded the first time it is observed;
// status only advances, never regresses. A "seen" receipt backfills the
// delivered timestamp too.
func (e *Engine) ApplyInbound(chatID string, rt catalog.ReceiptType,
	ids []string) {
	if rt == catalog.None {
		jww.WARN.Printf("[RCPT] Dropping receipt with unknown type for %s.",
			chatID)
		return
	}

	nowMs := netTime.Now().UnixMilli()
	status := chatlog.StatusFromReceipt(rt)
	sent := true

	applied := 0
	for _, id := range ids {
		m, ok := e.store.Get(chatID, id)
		if !ok || m.OwnerKey != e.localKey {
			continue
		}

		up := chatlog.Update{
			Status:        &status,
			SentToRelays:  &sent,
			DeliveredAtMs: &nowMs,
		}
		if rt == catalog.Seen {
			up.SeenAtMs = &nowMs
		}
		if e.store.UpdateMessage(chatID, id, up) {
			applied++
		}
	}

	jww.DEBUG.Printf("[RCPT] Applied %s receipt to %d/%d messages in %s.",
		rt, applied, len(ids), chatID)
}

// transmit fires the receipt through the detached relay-limited runner;
// failure is logged and dropped.
func (e *Engine) transmit(chatID string, rt catalog.ReceiptType,
	ids []string) {
	if e.sender == nil {
		return
	}
	e.run.Relay("send "+rt.String()+" receipt", func() error {
		return e.sender.SendReceipt(chatID, rt, ids)
	})
}
