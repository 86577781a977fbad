////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package messenger assembles the synchronization core: the chat log store,
// the receipt engine, the inbound event router, and the group coordinator,
// wired over one session transport and one versioned KV.
package messenger

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/whispermesh/client/catalog"
	"gitlab.com/whispermesh/client/chatlog"
	"gitlab.com/whispermesh/client/event"
	"gitlab.com/whispermesh/client/groupchat"
	"gitlab.com/whispermesh/client/receipts"
	"gitlab.com/whispermesh/client/router"
	"gitlab.com/whispermesh/client/stoppable"
	"gitlab.com/whispermesh/client/storage/repository"
	"gitlab.com/whispermesh/client/storage/versioned"
	"gitlab.com/whispermesh/client/tasks"
	"gitlab.com/xx_network/primitives/netTime"
)

// Error messages.
const (
	noSessionErr   = "cannot send to %s: no session capability configured"
	rehydrateErr   = "failed to rehydrate chat store: %+v"
	decisionSetErr = "failed to record request decision for %s: %+v"
)

// Params configures the client.
type Params struct {
	// Receipts toggles delivery/read receipt transmission.
	Receipts receipts.Params

	// Router carries the request-gating toggles.
	Router router.Params

	// SweepInterval is how often the background expiration sweep runs.
	SweepInterval time.Duration

	// DeviceKeys are the transport keys of the local identity's other
	// registered devices, used for own-device normalization.
	DeviceKeys []string

	// OnTyping surfaces inbound typing signals. May be nil.
	OnTyping func(chatID string)

	// RelayPerSecond bounds outbound relay-facing calls.
	RelayPerSecond int
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		Receipts:       receipts.DefaultParams(),
		Router:         router.DefaultParams(),
		SweepInterval:  time.Minute,
		RelayPerSecond: tasks.DefaultRelayPerSecond,
	}
}

// Client owns every component of the synchronization core. Construct with
// NewClient, then Start to begin consuming inbound events.
type Client struct {
	localKey string
	params   Params

	store     *chatlog.Store
	engine    *receipts.Engine
	groups    *groupchat.Manager
	router    *router.Router
	decisions *decisionStore

	session SessionManager
	social  router.Social
	run     *tasks.Runner

	unsubscribe func()
	sweeper     *stoppable.Single
}

// NewClient wires the core over the given KV and capabilities. session,
// publisher, and social may be nil for degraded or read-only use; operations
// that need an absent capability fail explicitly.
func NewClient(localKey string, kv *versioned.KV, session SessionManager,
	publisher groupchat.Publisher, social router.Social,
	params Params) (*Client, error) {

	run := tasks.NewRunner(params.RelayPerSecond)
	store := chatlog.NewStore(repository.NewStore(kv), run)
	engine := receipts.NewEngine(store, session, run, localKey,
		params.Receipts)

	decisions, err := newDecisionStore(kv)
	if err != nil {
		return nil, err
	}

	deviceID := ""
	if session != nil {
		deviceID = session.DeviceID()
	}
	groups, err := groupchat.NewManager(localKey, deviceID, kv, store,
		session, publisher, run)
	if err != nil {
		return nil, err
	}

	c := &Client{
		localKey:  localKey,
		params:    params,
		store:     store,
		engine:    engine,
		groups:    groups,
		decisions: decisions,
		session:   session,
		social:    social,
		run:       run,
	}
	c.router = router.NewRouter(localKey, params.DeviceKeys, store, engine,
		groups, social, decisions, params.OnTyping, params.Router)
	return c, nil
}

// Start rehydrates persisted state, purges anything that expired offline,
// subscribes to inbound events, and launches the background sweep worker.
func (c *Client) Start() error {
	if err := c.store.Rehydrate(); err != nil {
		return errors.Errorf(rehydrateErr, err)
	}
	c.store.SweepExpired(netTime.Now())

	if c.session != nil {
		c.unsubscribe = c.session.OnEvent(c.router.HandleEvent)
	}

	c.sweeper = stoppable.NewSingle("expiration-sweeper")
	go c.sweepWorker(c.sweeper)

	jww.INFO.Printf("[CLIENT] Started as %s.", c.localKey)
	return nil
}

// Stop unsubscribes from the transport and shuts down the background
// workers. In-flight detached sends complete silently.
func (c *Client) Stop() error {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.sweeper != nil {
		if err := c.sweeper.Close(); err != nil {
			return err
		}
	}
	return c.groups.Stop()
}

// SendText sends a 1:1 text message. The local echo is stored before any
// network I/O; the publish confirmation lands on it in the background.
// Returns the message ID.
func (c *Client) SendText(peerKey, text string, opts SendOptions) (string,
	error) {
	if c.session == nil {
		return "", errors.Errorf(noSessionErr, peerKey)
	}

	now := netTime.Now()
	msg := chatlog.Message{
		ID:        event.DeriveID(peerKey, c.localKey, now.UnixNano(), text),
		OwnerKey:  c.localKey,
		Kind:      catalog.Text,
		CreatedAt: now.Unix(),
		Millis:    now.UnixMilli() % 1000,
		Content:   text,
		Tags: []event.Tag{
			{event.TagPeer, peerKey},
			{event.TagMillis,
				strconv.FormatInt(now.UnixMilli()%1000, 10)},
		},
	}
	if opts.ReplyTo != "" {
		msg.Tags = append(msg.Tags, event.Tag{event.TagReply, opts.ReplyTo})
	}
	if opts.TTLSeconds > 0 && !opts.NoExpiration {
		msg.ExpiresAt = now.Unix() + opts.TTLSeconds
		msg.Tags = append(msg.Tags, event.Tag{event.TagExpiration,
			strconv.FormatInt(msg.ExpiresAt, 10)})
	}
	c.store.Upsert(peerKey, msg)

	c.run.Go("send text to "+peerKey, func() error {
		relayID, err := c.session.SendMessage(peerKey, text, opts)
		if err != nil {
			return err
		}
		sent := true
		c.store.UpdateMessage(peerKey, msg.ID, chatlog.Update{
			SentToRelays: &sent,
			RelayID:      &relayID,
		})
		return nil
	})

	return msg.ID, nil
}

// SendGroupText sends a text message to the group through the sender-key
// coordinator.
func (c *Client) SendGroupText(groupID, text string, opts SendOptions) (
	string, error) {
	ttl := opts.TTLSeconds
	if opts.NoExpiration {
		ttl = 0
	}
	return c.groups.Send(groupID, text, groupchat.SendOpts{
		ReplyTo:    opts.ReplyTo,
		TTLSeconds: ttl,
	})
}

// AcceptChat records the local user's accept decision for the peer and runs
// the delivered pass over the now-accepted chat.
func (c *Client) AcceptChat(peerKey string) error {
	if err := c.decisions.Set(peerKey, router.DecisionAccepted); err != nil {
		return errors.Errorf(decisionSetErr, peerKey, err)
	}
	c.engine.MarkDelivered(peerKey)
	return nil
}

// RejectChat records the reject decision; subsequent events from the peer
// are gated before they reach the chat log.
func (c *Client) RejectChat(peerKey string) error {
	if err := c.decisions.Set(peerKey, router.DecisionRejected); err != nil {
		return errors.Errorf(decisionSetErr, peerKey, err)
	}
	return nil
}

// FocusChat marks the chat as the foreground view: the last-seen marker
// moves, an accepted chat gets its delivered pass, and everything incoming is
// marked seen. Seeing is not gated on acceptance; opening the thread is the
// user's choice.
func (c *Client) FocusChat(chatID string) {
	c.store.SetLastSeen(chatID, netTime.Now().Unix())
	if c.isAccepted(chatID) {
		c.engine.MarkDelivered(chatID)
	}
	c.engine.MarkSeen(chatID)
}

// RemoveSession tears down the chat: log, markers, decision, group state,
// and the peer's transport session. In-flight publishes for the chat
// complete silently.
func (c *Client) RemoveSession(chatID string) {
	c.store.RemoveSession(chatID)
	c.groups.RemoveGroup(chatID)
	if err := c.decisions.Delete(chatID); err != nil {
		jww.ERROR.Printf("[CLIENT] %+v", err)
	}
	if c.session != nil {
		c.run.Go("delete session for "+chatID, func() error {
			return c.session.DeleteUser(chatID)
		})
	}
}

// UnseenCount derives how many messages from others arrived after the chat
// was last focused.
func (c *Client) UnseenCount(chatID string) int {
	return c.store.UnseenCount(chatID, c.localKey)
}

// Store exposes the chat log store.
func (c *Client) Store() *chatlog.Store { return c.store }

// Groups exposes the group coordinator.
func (c *Client) Groups() *groupchat.Manager { return c.groups }

// Router exposes the inbound event router, mainly so alternative transports
// can feed events in directly.
func (c *Client) Router() *router.Router { return c.router }

// isAccepted recomputes the request/accepted bucket for a 1:1 chat. The
// derivation is pure and never stored.
func (c *Client) isAccepted(chatID string) bool {
	if c.social != nil && c.social.IsFollowing(chatID) {
		return true
	}
	return c.decisions.Decision(chatID) == router.DecisionAccepted ||
		c.store.HasMessageFrom(chatID, c.localKey)
}

// sweepWorker periodically purges expired messages so a long-idle client
// still honors disappearing-message timers.
func (c *Client) sweepWorker(stop *stoppable.Single) {
	interval := c.params.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-stop.Quit():
			return
		case <-t.C:
			c.store.SweepExpired(netTime.Now())
		}
	}
}
