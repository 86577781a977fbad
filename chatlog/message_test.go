////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chatlog

import (
	"testing"
	"time"

	"gitlab.com/whispermesh/client/catalog"
	"gitlab.com/whispermesh/client/event"
)

// Tests that merge overwrites scalars only when the incoming value is
// present.
func TestMessage_Merge_Scalars(t *testing.T) {
	m := Message{
		ID:        "m1",
		OwnerKey:  "alice",
		Kind:      catalog.Text,
		CreatedAt: 100,
		Content:   "hello",
	}

	m.merge(&Message{ID: "m1", Content: "hello again", CreatedAt: 0})
	if m.Content != "hello again" {
		t.Errorf("Content not overwritten: %q", m.Content)
	}
	if m.CreatedAt != 100 {
		t.Errorf("CreatedAt overwritten by absent value: %d", m.CreatedAt)
	}
	if m.OwnerKey != "alice" {
		t.Errorf("OwnerKey overwritten by absent value: %q", m.OwnerKey)
	}
}

// Tests that status only ever rises through merge, never regresses.
func TestMessage_Merge_StatusMonotonic(t *testing.T) {
	m := Message{ID: "m1", Status: StatusSeen, SeenAtMs: 5000}

	m.merge(&Message{ID: "m1", Status: StatusDelivered})
	if m.Status != StatusSeen {
		t.Errorf("Status regressed to %s", m.Status)
	}

	m = Message{ID: "m1"}
	m.merge(&Message{ID: "m1", Status: StatusDelivered})
	if m.Status != StatusDelivered {
		t.Errorf("Status not raised: %s", m.Status)
	}
}

// Tests that delivery timestamps are first-write-wins and SentToRelays is
// set-once.
func TestMessage_Merge_FirstWriteWins(t *testing.T) {
	m := Message{ID: "m1", DeliveredAtMs: 1000}

	m.merge(&Message{ID: "m1", DeliveredAtMs: 9999, SeenAtMs: 2000,
		SentToRelays: true})
	if m.DeliveredAtMs != 1000 {
		t.Errorf("DeliveredAtMs rewritten: %d", m.DeliveredAtMs)
	}
	if m.SeenAtMs != 2000 {
		t.Errorf("SeenAtMs first write lost: %d", m.SeenAtMs)
	}
	if !m.SentToRelays {
		t.Error("SentToRelays not set")
	}

	m.merge(&Message{ID: "m1", SentToRelays: false})
	if !m.SentToRelays {
		t.Error("SentToRelays regressed")
	}
}

// Tests that reactions are kept unless the incoming message supplies its
// own map.
func TestMessage_Merge_Reactions(t *testing.T) {
	m := Message{ID: "m1", Reactions: map[string]string{"bob": "+"}}

	m.merge(&Message{ID: "m1", Content: "edit"})
	if m.Reactions["bob"] != "+" {
		t.Errorf("Reactions lost on unrelated merge: %v", m.Reactions)
	}

	m.merge(&Message{ID: "m1", Reactions: map[string]string{"carol": "🔥"}})
	if _, ok := m.Reactions["bob"]; ok {
		t.Error("Reactions not replaced by incoming map")
	}
	if m.Reactions["carol"] != "🔥" {
		t.Errorf("Incoming reactions not applied: %v", m.Reactions)
	}
}

// Tests apply's invariants: no status regression, first-write-wins
// timestamps, set-once SentToRelays.
func TestMessage_Apply_Invariants(t *testing.T) {
	seen := StatusSeen
	delivered := StatusDelivered
	ts := int64(1234)
	sent := true

	m := Message{ID: "m1"}
	if !m.apply(Update{Status: &seen, SeenAtMs: &ts}) {
		t.Error("apply reported no change")
	}
	if m.Status != StatusSeen || m.SeenAtMs != 1234 {
		t.Errorf("apply failed: status=%s seenAt=%d", m.Status, m.SeenAtMs)
	}

	if m.apply(Update{Status: &delivered}) {
		t.Error("apply lowered status")
	}

	other := int64(9999)
	m.apply(Update{SeenAtMs: &other, SentToRelays: &sent})
	if m.SeenAtMs != 1234 {
		t.Errorf("SeenAtMs rewritten: %d", m.SeenAtMs)
	}
	if !m.SentToRelays {
		t.Error("SentToRelays not set")
	}
}

// Tests expiry against the TTL deadline.
func TestMessage_Expired(t *testing.T) {
	now := time.Unix(2000, 0)

	cases := []struct {
		expiresAt int64
		expired   bool
	}{
		{0, false},
		{2001, false},
		{2000, true},
		{1999, true},
	}
	for _, c := range cases {
		m := Message{ID: "m1", ExpiresAt: c.expiresAt}
		if m.Expired(now) != c.expired {
			t.Errorf("ExpiresAt=%d: expected expired=%t",
				c.expiresAt, c.expired)
		}
	}
}

// Tests that FromEvent lifts the millis tiebreak and expiration tags into
// the message.
func TestFromEvent(t *testing.T) {
	ev := event.Event{
		ID:        "m1",
		SenderKey: "deviceKey",
		Kind:      uint32(catalog.Text),
		CreatedAt: 500,
		Content:   "hi",
		Tags: []event.Tag{
			{event.TagMillis, "250"},
			{event.TagExpiration, "900"},
		},
	}

	m := FromEvent(ev, "alice")
	if m.OwnerKey != "alice" {
		t.Errorf("OwnerKey: %q", m.OwnerKey)
	}
	if m.Millis != 250 {
		t.Errorf("Millis: %d", m.Millis)
	}
	if m.ExpiresAt != 900 {
		t.Errorf("ExpiresAt: %d", m.ExpiresAt)
	}
	if m.Status != StatusNone {
		t.Errorf("Status should start none: %s", m.Status)
	}
}
