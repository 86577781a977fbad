////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package event defines the logical event shape consumed from the encrypted
// session transport. The payload arrives already decrypted; this package only
// deals with classification metadata and the ordered tag list.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Recognized tag keys. A tag is an ordered list whose first element is the
// key and whose remaining elements are its values.
const (
	TagPeer       = "p"
	TagReply      = "e"
	TagGroup      = "g"
	TagMillis     = "ms"
	TagExpiration = "expiration"
)

// Tag is one [key, ...values] annotation on an event.
type Tag []string

// Key returns the tag key, or "" for a malformed empty tag.
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value of the tag and whether one is present.
func (t Tag) Value() (string, bool) {
	if len(t) < 2 || t[1] == "" {
		return "", false
	}
	return t[1], true
}

// Event is one inbound or outbound protocol event. SenderKey is the literal
// transport-level sender, which is not necessarily the logical owner; the
// router resolves ownership.
type Event struct {
	ID        string `json:"id"`
	SenderKey string `json:"senderKey"`
	Kind      uint32 `json:"kind"`
	CreatedAt int64  `json:"createdAt"`
	Content   string `json:"content"`
	Tags      []Tag  `json:"tags"`
}

// Tag returns the first tag with the given key. Malformed (empty) tags are
// skipped rather than treated as errors.
func (e *Event) Tag(key string) (Tag, bool) {
	for _, t := range e.Tags {
		if t.Key() == key {
			return t, true
		}
	}
	return nil, false
}

// TagValue returns the value of the first well-formed tag with the given
// key. Tags carrying no value are skipped.
func (e *Event) TagValue(key string) (string, bool) {
	for _, t := range e.Tags {
		if t.Key() != key {
			continue
		}
		if v, ok := t.Value(); ok {
			return v, true
		}
	}
	return "", false
}

// TagValues collects the first value of every tag with the given key,
// preserving tag order. Used for the multi-valued keys (receipt references,
// group member lists).
func (e *Event) TagValues(key string) []string {
	var vals []string
	for _, t := range e.Tags {
		if t.Key() != key {
			continue
		}
		if v, ok := t.Value(); ok {
			vals = append(vals, v)
		}
	}
	return vals
}

// PeerKey returns the peer identity referenced by the event, if any.
func (e *Event) PeerKey() (string, bool) {
	return e.TagValue(TagPeer)
}

// GroupID returns the group the event belongs to, if any.
func (e *Event) GroupID() (string, bool) {
	return e.TagValue(TagGroup)
}

// ReplyTo returns the referenced message ID (reply target or reaction
// target), if any.
func (e *Event) ReplyTo() (string, bool) {
	return e.TagValue(TagReply)
}

// MillisTiebreak returns the sub-second ordering tiebreak, if present and
// parsable. It is only consulted when two events collide on CreatedAt.
func (e *Event) MillisTiebreak() (int64, bool) {
	v, ok := e.TagValue(TagMillis)
	if !ok {
		return 0, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// DeriveID computes the content-addressed event ID from the chat it belongs
// to, its author, its creation nanos, and its content. Unique within a chat
// for any honest sender.
func DeriveID(chatID, ownerKey string, nano int64, content string) string {
	h := sha256.New()
	h.Write([]byte(chatID))
	h.Write([]byte(ownerKey))
	h.Write([]byte(strconv.FormatInt(nano, 10)))
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// ExpirationSeconds returns the unix-seconds expiry of the event, if present
// and parsable. A malformed expiration tag is treated as no expiration.
func (e *Event) ExpirationSeconds() (int64, bool) {
	v, ok := e.TagValue(TagExpiration)
	if !ok {
		return 0, false
	}
	at, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return at, true
}
