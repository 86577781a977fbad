////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package groupchat

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"gitlab.com/elixxir/ekv"
	"gitlab.com/whispermesh/client/catalog"
	"gitlab.com/whispermesh/client/chatlog"
	"gitlab.com/whispermesh/client/event"
	"gitlab.com/whispermesh/client/storage/repository"
	"gitlab.com/whispermesh/client/storage/versioned"
	"gitlab.com/whispermesh/client/tasks"
)

const (
	localKey = "me"
	deviceID = "device-1"
)

// mockSession records 1:1 session sends.
type mockSession struct {
	mux  sync.Mutex
	sent []event.Event
	to   []string
}

func (s *mockSession) SendEvent(peerKey string, ev event.Event) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.sent = append(s.sent, ev)
	s.to = append(s.to, peerKey)
	return nil
}

func (s *mockSession) sentTo() []string {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]string(nil), s.to...)
}

func (s *mockSession) countKind(k catalog.Kind) int {
	s.mux.Lock()
	defer s.mux.Unlock()
	n := 0
	for _, ev := range s.sent {
		if ev.Kind == uint32(k) {
			n++
		}
	}
	return n
}

// mockPublisher records published outer events in completion order. A
// non-nil gate blocks every publish until the gate is closed.
type mockPublisher struct {
	mux       sync.Mutex
	published []OuterEvent
	fail      bool
	gate      chan struct{}
	done      chan struct{}
}

func newMockPublisher(expect int) *mockPublisher {
	return &mockPublisher{done: make(chan struct{}, expect)}
}

func (p *mockPublisher) Publish(out OuterEvent) (string, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mux.Lock()
	fail := p.fail
	if !fail {
		p.published = append(p.published, out)
	}
	p.mux.Unlock()
	p.done <- struct{}{}
	if fail {
		return "", fmt.Errorf("relay unavailable")
	}
	return "relay-" + out.GroupID, nil
}

func (p *mockPublisher) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("publish %d never happened", i)
		}
	}
}

func (p *mockPublisher) snapshot() []OuterEvent {
	p.mux.Lock()
	defer p.mux.Unlock()
	return append([]OuterEvent(nil), p.published...)
}

func newTestManager(t *testing.T, pub *mockPublisher) (*Manager,
	*chatlog.Store, *mockSession, *versioned.KV) {
	t.Helper()
	kv := versioned.NewKV(ekv.MakeMemstore())
	run := tasks.NewRunner(100)
	store := chatlog.NewStore(repository.NewStore(kv), run)
	session := &mockSession{}

	m, err := NewManager(localKey, deviceID, kv, store, session, pub, run)
	if err != nil {
		t.Fatalf("NewManager: %+v", err)
	}
	return m, store, session, kv
}

// Tests the full send pipeline: optimistic echo, one-time distribution to
// every other member, publish, and SentToRelays confirmation.
func TestManager_Send(t *testing.T) {
	pub := newMockPublisher(2)
	m, store, session, _ := newTestManager(t, pub)

	_ = m.RegisterGroup(Group{ID: "g1", Name: "friends",
		Members: []string{localKey, "alice", "bob"}})

	msgID, err := m.Send("g1", "hello group", SendOpts{})
	if err != nil {
		t.Fatalf("Send: %+v", err)
	}

	// Local echo is visible immediately, before any network completion.
	echo, ok := store.Get("g1", msgID)
	if !ok {
		t.Fatal("no optimistic local echo")
	}
	if echo.OwnerKey != localKey || echo.Content != "hello group" {
		t.Errorf("bad echo: %+v", echo)
	}

	pub.wait(t, 1)

	// Distribution went to both other members, never to ourselves.
	deadline := time.Now().Add(2 * time.Second)
	for session.countKind(catalog.SenderKeyDistribution) < 2 &&
		time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := session.countKind(catalog.SenderKeyDistribution); n != 2 {
		t.Errorf("expected 2 distributions, got %d", n)
	}
	for _, to := range session.sentTo() {
		if to == localKey {
			t.Error("distributed sender key to self")
		}
	}

	published := pub.snapshot()
	if len(published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(published))
	}
	if published[0].GroupID != "g1" || published[0].Iteration != 0 {
		t.Errorf("bad outer event: %+v", published[0])
	}

	// Publish confirmation lands on the echo.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msg, _ := store.Get("g1", msgID); msg.SentToRelays {
			break
		}
		time.Sleep(time.Millisecond)
	}
	msg, _ := store.Get("g1", msgID)
	if !msg.SentToRelays || msg.RelayID == "" {
		t.Errorf("publish not confirmed: %+v", msg)
	}

	// A second send must not redistribute.
	if _, err = m.Send("g1", "again", SendOpts{}); err != nil {
		t.Fatalf("Send: %+v", err)
	}
	pub.wait(t, 1)
	if n := session.countKind(catalog.SenderKeyDistribution); n != 2 {
		t.Errorf("sender key redistributed: %d distributions", n)
	}
}

// Scenario D: concurrent sends for one group serialize FIFO; the persisted
// chain advances by exactly 1 per completed send and no two ciphertexts
// share an iteration.
func TestManager_Send_SerializedChain(t *testing.T) {
	const sends = 8
	pub := newMockPublisher(sends)
	m, _, _, _ := newTestManager(t, pub)

	_ = m.RegisterGroup(Group{ID: "g1", Name: "friends",
		Members: []string{localKey, "alice"}})

	ids := make([]string, sends)
	var wg sync.WaitGroup
	for i := 0; i < sends; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := m.Send("g1", fmt.Sprintf("msg %d", i), SendOpts{})
			if err != nil {
				t.Errorf("Send %d: %+v", i, err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()
	pub.wait(t, sends)

	published := pub.snapshot()
	if len(published) != sends {
		t.Fatalf("expected %d publishes, got %d", sends, len(published))
	}
	used := make(map[uint32]bool)
	for _, out := range published {
		if used[out.Iteration] {
			t.Fatalf("iteration %d used twice", out.Iteration)
		}
		used[out.Iteration] = true
	}
	for i := uint32(0); i < sends; i++ {
		if !used[i] {
			t.Errorf("iteration %d skipped", i)
		}
	}

	iter, err := m.ChainIteration("g1")
	if err != nil {
		t.Fatalf("ChainIteration: %+v", err)
	}
	if iter != sends {
		t.Errorf("persisted iteration: got %d, expected %d", iter, sends)
	}
}

// Publish failure is logged and dropped: the chain still advances, the
// message stays unconfirmed, and the next send uses a fresh iteration.
func TestManager_Send_PublishFailureAdvancesChain(t *testing.T) {
	pub := newMockPublisher(2)
	m, store, _, _ := newTestManager(t, pub)

	_ = m.RegisterGroup(Group{ID: "g1", Name: "g",
		Members: []string{localKey, "alice"}})

	pub.fail = true
	failedID, err := m.Send("g1", "lost", SendOpts{})
	if err != nil {
		t.Fatalf("Send: %+v", err)
	}
	pub.wait(t, 1)

	pub.mux.Lock()
	pub.fail = false
	pub.mux.Unlock()

	if _, err = m.Send("g1", "retry-free", SendOpts{}); err != nil {
		t.Fatalf("Send: %+v", err)
	}
	pub.wait(t, 1)

	published := pub.snapshot()
	if len(published) != 1 {
		t.Fatalf("expected 1 successful publish, got %d", len(published))
	}
	if published[0].Iteration != 1 {
		t.Errorf("iteration reused after failure: %d", published[0].Iteration)
	}

	if msg, _ := store.Get("g1", failedID); msg.SentToRelays {
		t.Error("failed publish marked SentToRelays")
	}
}

// Sends to an unknown group or without capabilities fail explicitly.
func TestManager_Send_Preconditions(t *testing.T) {
	pub := newMockPublisher(0)
	m, _, _, _ := newTestManager(t, pub)

	if _, err := m.Send("nope", "hi", SendOpts{}); err == nil {
		t.Error("send to unknown group succeeded")
	}

	kv := versioned.NewKV(ekv.MakeMemstore())
	run := tasks.NewRunner(100)
	store := chatlog.NewStore(repository.NewStore(kv), run)
	noSession, err := NewManager(localKey, deviceID, kv, store, nil, pub, run)
	if err != nil {
		t.Fatalf("NewManager: %+v", err)
	}
	_ = noSession.RegisterGroup(Group{ID: "g1", Members: []string{localKey}})
	if _, err = noSession.Send("g1", "hi", SendOpts{}); err == nil {
		t.Error("send without session capability succeeded")
	}
}

// Metadata sends go over 1:1 sessions to each member and bypass the chain.
func TestManager_SendMetadata(t *testing.T) {
	pub := newMockPublisher(0)
	m, store, session, _ := newTestManager(t, pub)

	_ = m.RegisterGroup(Group{ID: "g1", Name: "g",
		Members: []string{localKey, "alice", "bob"}})

	meta := `{"name":"renamed"}`
	msgID, err := m.SendMetadata("g1", meta)
	if err != nil {
		t.Fatalf("SendMetadata: %+v", err)
	}

	if _, ok := store.Get("g1", msgID); !ok {
		t.Error("no local echo for metadata send")
	}

	deadline := time.Now().Add(2 * time.Second)
	for session.countKind(catalog.GroupMetadata) < 2 &&
		time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := session.countKind(catalog.GroupMetadata); n != 2 {
		t.Errorf("expected 2 metadata sends, got %d", n)
	}

	// The chain must be untouched.
	iter, err := m.ChainIteration("g1")
	if err != nil {
		t.Fatalf("ChainIteration: %+v", err)
	}
	if iter != 0 {
		t.Errorf("metadata send advanced the chain to %d", iter)
	}
}

// Corrupt persisted chain state blocks sends until an explicit rekey.
func TestManager_CorruptChainRequiresRekey(t *testing.T) {
	pub := newMockPublisher(1)
	m, _, _, kv := newTestManager(t, pub)

	_ = m.RegisterGroup(Group{ID: "g1", Name: "g",
		Members: []string{localKey, "alice"}})

	// Write garbage where the chain state lives.
	gcKV := kv.Prefix(groupChatPrefix)
	err := gcKV.Set(senderKeyKeyPrefix+"g1", &versioned.Object{
		Version: senderKeyVersion,
		Data:    []byte("not json"),
	})
	if err != nil {
		t.Fatalf("corrupting chain: %+v", err)
	}

	if _, err = m.Send("g1", "hi", SendOpts{}); err != ErrSenderKeyCorrupt {
		t.Fatalf("expected ErrSenderKeyCorrupt, got %+v", err)
	}

	if err = m.Rekey("g1"); err != nil {
		t.Fatalf("Rekey: %+v", err)
	}
	if _, err = m.Send("g1", "hi again", SendOpts{}); err != nil {
		t.Fatalf("Send after rekey: %+v", err)
	}
	pub.wait(t, 1)

	out := pub.snapshot()
	if len(out) != 1 || out[0].Iteration != 0 {
		t.Fatalf("expected fresh chain at iteration 0, got %+v", out)
	}
}

// A rekey issued while a send is in flight waits behind it on the group's
// send worker, so the fresh key is established after the old chain's last
// write and the next publish starts at iteration zero under the new key.
func TestManager_RekeySerializedWithSends(t *testing.T) {
	pub := newMockPublisher(2)
	pub.gate = make(chan struct{})
	m, _, _, _ := newTestManager(t, pub)

	_ = m.RegisterGroup(Group{ID: "g1", Name: "g",
		Members: []string{localKey, "alice"}})

	if _, err := m.Send("g1", "in flight", SendOpts{}); err != nil {
		t.Fatalf("Send: %+v", err)
	}

	rekeyed := make(chan error, 1)
	go func() { rekeyed <- m.Rekey("g1") }()

	select {
	case err := <-rekeyed:
		t.Fatalf("rekey jumped ahead of an in-flight send: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(pub.gate)
	select {
	case err := <-rekeyed:
		if err != nil {
			t.Fatalf("Rekey: %+v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("rekey never completed")
	}

	iter, err := m.ChainIteration("g1")
	if err != nil {
		t.Fatalf("ChainIteration: %+v", err)
	}
	if iter != 0 {
		t.Errorf("old chain survived the rekey at iteration %d", iter)
	}

	if _, err = m.Send("g1", "fresh key", SendOpts{}); err != nil {
		t.Fatalf("Send after rekey: %+v", err)
	}
	pub.wait(t, 2)

	published := pub.snapshot()
	if len(published) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(published))
	}
	if published[1].Iteration != 0 {
		t.Errorf("post-rekey publish at iteration %d", published[1].Iteration)
	}
	if published[1].KeyID == published[0].KeyID {
		t.Error("post-rekey publish reused the old key ID")
	}
}

// Inbound distribution payloads register the member's key and materialize
// placeholder groups.
func TestManager_ApplyDistribution(t *testing.T) {
	pub := newMockPublisher(0)
	m, _, _, _ := newTestManager(t, pub)

	dist := senderKeyDistribution{
		GroupID:   "g9",
		KeyID:     "k1",
		ChainKey:  make([]byte, chainKeyLen),
		Iteration: 3,
		DeviceID:  "their-device",
	}
	payload, _ := json.Marshal(dist)

	if err := m.ApplyDistribution("alice", string(payload)); err != nil {
		t.Fatalf("ApplyDistribution: %+v", err)
	}

	g, ok := m.GetGroup("g9")
	if !ok || !g.Placeholder {
		t.Errorf("placeholder group not materialized: %+v", g)
	}

	if err := m.ApplyDistribution("alice", "{broken"); err == nil {
		t.Error("malformed distribution accepted")
	}
}
