////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chatlog

import (
	"strconv"
	"time"

	"gitlab.com/whispermesh/client/catalog"
	"gitlab.com/whispermesh/client/event"
)

// Status is the local delivery state of a stored message. It is monotonic:
// once a message reaches Seen it can never regress.
type Status uint8

const (
	StatusNone Status = iota
	StatusDelivered
	StatusSeen
)

// String returns a human-readable name for the Status for logging.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusDelivered:
		return "delivered"
	case StatusSeen:
		return "seen"
	default:
		return "Unknown Status: " + strconv.Itoa(int(s))
	}
}

// StatusFromReceipt maps a receipt type onto the Status it asserts.
func StatusFromReceipt(rt catalog.ReceiptType) Status {
	switch rt {
	case catalog.Delivered:
		return StatusDelivered
	case catalog.Seen:
		return StatusSeen
	default:
		return StatusNone
	}
}

// Message is the atomic unit of a chat. A message is uniquely addressable by
// (chat ID, ID); OwnerKey is the logical author, which may differ from the
// transport-level sender when the author has multiple registered devices.
type Message struct {
	ID        string       `json:"id"`
	OwnerKey  string       `json:"ownerKey"`
	Kind      catalog.Kind `json:"kind"`
	CreatedAt int64        `json:"createdAt"`
	Millis    int64        `json:"millis"`
	Content   string       `json:"content"`
	Tags      []event.Tag  `json:"tags,omitempty"`

	Status        Status `json:"status"`
	DeliveredAtMs int64  `json:"deliveredAtMs,omitempty"`
	SeenAtMs      int64  `json:"seenAtMs,omitempty"`
	SentToRelays  bool   `json:"sentToRelays,omitempty"`
	RelayID       string `json:"relayId,omitempty"`

	Reactions map[string]string `json:"reactions,omitempty"`

	// ExpiresAt is a unix-seconds deadline; zero means the message never
	// expires.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// FromEvent builds a stored Message from an inbound event with the given
// resolved logical owner. Status fields start zeroed; the router and receipt
// engine own their escalation.
func FromEvent(ev event.Event, ownerKey string) Message {
	m := Message{
		ID:        ev.ID,
		OwnerKey:  ownerKey,
		Kind:      catalog.Kind(ev.Kind),
		CreatedAt: ev.CreatedAt,
		Content:   ev.Content,
		Tags:      ev.Tags,
	}
	if ms, ok := ev.MillisTiebreak(); ok {
		m.Millis = ms
	}
	if at, ok := ev.ExpirationSeconds(); ok {
		m.ExpiresAt = at
	}
	return m
}

// Expired reports whether the message's time-to-live has elapsed.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != 0 && m.ExpiresAt <= now.Unix()
}

// orderBefore defines the stable log ordering: CreatedAt, then the
// sub-second tiebreak, then ID so the order is total.
func (m *Message) orderBefore(other *Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt < other.CreatedAt
	}
	if m.Millis != other.Millis {
		return m.Millis < other.Millis
	}
	return m.ID < other.ID
}

// merge folds an incoming copy of the same message into the stored one.
// Scalars are overwritten only when the incoming value is present; Status is
// only ever raised; the delivery timestamps are first-write-wins; Reactions
// are replaced only when the incoming message supplies its own map.
// Returns true if anything changed.
func (m *Message) merge(in *Message) bool {
	changed := false

	if in.OwnerKey != "" && in.OwnerKey != m.OwnerKey {
		m.OwnerKey = in.OwnerKey
		changed = true
	}
	if in.Kind != catalog.NoKind && in.Kind != m.Kind {
		m.Kind = in.Kind
		changed = true
	}
	if in.CreatedAt != 0 && in.CreatedAt != m.CreatedAt {
		m.CreatedAt = in.CreatedAt
		changed = true
	}
	if in.Millis != 0 && in.Millis != m.Millis {
		m.Millis = in.Millis
		changed = true
	}
	if in.Content != "" && in.Content != m.Content {
		m.Content = in.Content
		changed = true
	}
	if in.Tags != nil {
		m.Tags = in.Tags
		changed = true
	}
	if in.ExpiresAt != 0 && in.ExpiresAt != m.ExpiresAt {
		m.ExpiresAt = in.ExpiresAt
		changed = true
	}
	if in.RelayID != "" && in.RelayID != m.RelayID {
		m.RelayID = in.RelayID
		changed = true
	}

	if in.Status > m.Status {
		m.Status = in.Status
		changed = true
	}
	if in.DeliveredAtMs != 0 && m.DeliveredAtMs == 0 {
		m.DeliveredAtMs = in.DeliveredAtMs
		changed = true
	}
	if in.SeenAtMs != 0 && m.SeenAtMs == 0 {
		m.SeenAtMs = in.SeenAtMs
		changed = true
	}
	if in.SentToRelays && !m.SentToRelays {
		m.SentToRelays = true
		changed = true
	}

	if in.Reactions != nil {
		m.Reactions = in.Reactions
		changed = true
	}

	return changed
}

// copy returns a value snapshot safe to hand outside the store's lock.
func (m *Message) copy() Message {
	out := *m
	if m.Reactions != nil {
		out.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = v
		}
	}
	return out
}

// Update is a partial-field mutation applied through Store.UpdateMessage.
// Nil fields are left untouched. The store enforces the same invariants as
// merge: status never lowers, timestamps are first-write-wins, SentToRelays
// is set-once.
type Update struct {
	Status        *Status
	DeliveredAtMs *int64
	SeenAtMs      *int64
	SentToRelays  *bool
	RelayID       *string
	Content       *string
	ExpiresAt     *int64
}

// apply folds the update into the message under the invariants above.
// Returns true if anything changed.
func (m *Message) apply(up Update) bool {
	changed := false

	if up.Status != nil && *up.Status > m.Status {
		m.Status = *up.Status
		changed = true
	}
	if up.DeliveredAtMs != nil && m.DeliveredAtMs == 0 &&
		*up.DeliveredAtMs != 0 {
		m.DeliveredAtMs = *up.DeliveredAtMs
		changed = true
	}
	if up.SeenAtMs != nil && m.SeenAtMs == 0 && *up.SeenAtMs != 0 {
		m.SeenAtMs = *up.SeenAtMs
		changed = true
	}
	if up.SentToRelays != nil && *up.SentToRelays && !m.SentToRelays {
		m.SentToRelays = true
		changed = true
	}
	if up.RelayID != nil && *up.RelayID != m.RelayID {
		m.RelayID = *up.RelayID
		changed = true
	}
	if up.Content != nil && *up.Content != m.Content {
		m.Content = *up.Content
		changed = true
	}
	if up.ExpiresAt != nil && *up.ExpiresAt != m.ExpiresAt {
		m.ExpiresAt = *up.ExpiresAt
		changed = true
	}

	return changed
}
