////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package messenger

import (
	"gitlab.com/whispermesh/client/catalog"
	"gitlab.com/whispermesh/client/event"
)

// SendOptions carries the optional annotations of a 1:1 send.
type SendOptions struct {
	// TTLSeconds makes the message disappear that many seconds after
	// creation.
	TTLSeconds int64
	// NoExpiration explicitly overrides any chat-level expiration default.
	// Takes precedence over TTLSeconds.
	NoExpiration bool
	// ReplyTo references the message being replied to.
	ReplyTo string
}

// SessionManager is the encrypted-session transport capability. The ratchet
// cryptography lives entirely behind this interface; the client only
// orchestrates around it. Implementations must resolve or fail in bounded
// time.
type SessionManager interface {
	// SendMessage encrypts and sends a text message to the peer, returning
	// the transport event ID once at least one relay accepted it.
	SendMessage(peerKey, text string, opts SendOptions) (relayID string,
		err error)

	// SendEvent delivers a raw event over the peer's 1:1 session.
	SendEvent(peerKey string, ev event.Event) error

	// SendReceipt transmits a delivery/read receipt naming the given
	// message IDs.
	SendReceipt(chatID string, rt catalog.ReceiptType, ids []string) error

	// OnEvent subscribes to inbound events. The returned function
	// unsubscribes.
	OnEvent(cb func(ev event.Event)) (unsubscribe func())

	// DeleteUser tears down the session state held for the peer.
	DeleteUser(peerKey string) error

	// DeviceID identifies this device among the local identity's registered
	// devices.
	DeviceID() string
}
