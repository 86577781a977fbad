////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package catalog enumerates the event kinds and receipt types shared by the
// routing, chat log, and group layers. Kinds are wire values and must not be
// renumbered.
package catalog

import "strconv"

// Kind is the semantic discriminator carried by every event and stored
// message.
type Kind uint32

const (
	// NoKind - Used as a wildcard when filtering; never appears on the wire.
	NoKind Kind = 0

	// Text - A plain chat message, 1:1 or group.
	Text Kind = 1

	// Reaction - A reaction to an existing message. Reactions are folded into
	// their target message and never stored standalone.
	Reaction Kind = 7

	// Receipt - A delivery/read receipt naming a set of message IDs.
	Receipt Kind = 15

	// Typing - An ephemeral typing signal. Never stored.
	Typing Kind = 25

	// ChannelCreate - Creates a group and carries its initial metadata.
	ChannelCreate Kind = 40

	// ChatSettings - Per-chat settings changes (expiration defaults, etc.).
	ChatSettings Kind = 41

	// SenderKeyDistribution - One-time distribution of a device's group
	// sender key, delivered over individual 1:1 sessions.
	SenderKeyDistribution Kind = 42

	// GroupMetadata - Group name/member updates, delivered over 1:1 sessions
	// to each member.
	GroupMetadata Kind = 43
)

// String returns a human-readable name for the Kind for logging.
func (k Kind) String() string {
	switch k {
	case NoKind:
		return "NoKind"
	case Text:
		return "Text"
	case Reaction:
		return "Reaction"
	case Receipt:
		return "Receipt"
	case Typing:
		return "Typing"
	case ChannelCreate:
		return "ChannelCreate"
	case ChatSettings:
		return "ChatSettings"
	case SenderKeyDistribution:
		return "SenderKeyDistribution"
	case GroupMetadata:
		return "GroupMetadata"
	default:
		return "Unknown Kind: " + strconv.FormatUint(uint64(k), 10)
	}
}

// ReceiptType orders the delivery states a receipt can assert. The order is
// load bearing: a receipt only ever advances a message through
// None < Delivered < Seen.
type ReceiptType uint8

const (
	None ReceiptType = iota
	Delivered
	Seen
)

// String returns a human-readable name for the ReceiptType for logging and
// for the receipt wire content.
func (rt ReceiptType) String() string {
	switch rt {
	case None:
		return "none"
	case Delivered:
		return "delivered"
	case Seen:
		return "seen"
	default:
		return "Unknown ReceiptType: " + strconv.Itoa(int(rt))
	}
}

// ParseReceiptType maps receipt wire content back to a ReceiptType. Unknown
// content maps to None so a malformed receipt can never advance a message.
func ParseReceiptType(s string) ReceiptType {
	switch s {
	case "delivered":
		return Delivered
	case "seen":
		return Seen
	default:
		return None
	}
}
