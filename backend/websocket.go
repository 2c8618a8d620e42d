// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	maxBatchSize       = 100
	defaultIdleTimeout = 5 * time.Minute
)

var errHubsClosed = errors.New("hub manager is shut down")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Message types for WebSocket and HTTP action replies.
const (
	MsgTypeJoin       = "JOIN"
	MsgTypeAck        = "ACK"
	MsgTypeAction     = "ACTION"
	MsgTypeState      = "STATE"
	MsgTypeSyncUpdate = "SYNC_UPDATE"
	MsgTypeConflict   = "CONFLICT"
	MsgTypeError      = "ERROR"
	MsgTypePing       = "PING"
	MsgTypePong       = "PONG"
)

// Message is the envelope exchanged with clients.
type Message struct {
	Type         string            `json:"type"`
	MatchID      string            `json:"matchId,omitempty"`
	LastRevision string            `json:"lastRevision,omitempty"`
	BaseRevision string            `json:"baseRevision,omitempty"`
	Action       json.RawMessage   `json:"action,omitempty"`
	Actions      []json.RawMessage `json:"actions,omitempty"`
	Status       string            `json:"status,omitempty"`
	State        *scoring.State    `json:"state,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// HubRequest types
const (
	ReqTypeRegister    = "REGISTER"
	ReqTypeWSJoin      = "WS_JOIN"
	ReqTypeWSReply     = "WS_REPLY"
	ReqTypeHTTPLoad    = "HTTP_LOAD"
	ReqTypeHTTPAction  = "HTTP_ACTION"
	ReqTypeBroadcast   = "BROADCAST"
	ReqTypeReload      = "RELOAD"
	ReqTypeSubscribe   = "SUBSCRIBE"
	ReqTypeUnsubscribe = "UNSUBSCRIBE"
)

// HubRequest is a unit of work for a hub goroutine.
type HubRequest struct {
	Type     string
	Client   *wsClient         // WS requests
	UserID   string            // HTTP requests
	Message  Message           // WS join and HTTP action
	Match    *Match            // Broadcast: state after a committed apply
	Applied  []json.RawMessage // Broadcast: the actions that produced it
	SubID    uint64            // Subscribe / Unsubscribe
	Callback func(Match)       // Subscribe
	Reply    chan HubResponse
}

// HubResponse is the hub's answer to a request with a Reply channel.
type HubResponse struct {
	Match   *Match
	Message *Message
	Error   error
}

func (req HubRequest) reply(resp HubResponse) {
	if req.Reply != nil {
		req.Reply <- resp
	}
}

// Hub is the single writer of one match. Every load, action and broadcast
// for the match runs on its goroutine.
type Hub struct {
	matchID string

	clients map[*wsClient]bool // value: joined
	subs    map[uint64]func(Match)

	requests   chan HubRequest
	unregister chan *wsClient
	done       chan struct{}
	senders    int // guarded by hm.mu

	match *Match
	hm    *HubManager
}

func newHub(id string, hm *HubManager) *Hub {
	return &Hub{
		matchID:    id,
		clients:    make(map[*wsClient]bool),
		subs:       make(map[uint64]func(Match)),
		requests:   make(chan HubRequest, 64), // Buffered to keep FSM broadcasts from blocking
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		hm:         hm,
	}
}

func (h *Hub) run() {
	defer h.hm.wg.Done()
	idle := time.NewTicker(h.hm.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-h.hm.quit:
			for c := range h.clients {
				close(c.send)
			}
			close(h.done)
			return
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case req := <-h.requests:
			h.handle(req)
		case <-idle.C:
			if len(h.clients) == 0 && len(h.subs) == 0 && h.hm.release(h) {
				close(h.done)
				return
			}
		}
	}
}

func (h *Hub) handle(req HubRequest) {
	switch req.Type {
	case ReqTypeRegister:
		h.clients[req.Client] = false
		req.reply(HubResponse{})
		return
	case ReqTypeUnsubscribe:
		delete(h.subs, req.SubID)
		req.reply(HubResponse{})
		return
	case ReqTypeReload:
		h.match = nil
		req.reply(HubResponse{})
		return
	case ReqTypeBroadcast:
		h.match = req.Match
		h.publish(req.Applied)
		return
	case ReqTypeWSReply:
		if _, ok := h.clients[req.Client]; ok {
			req.Client.sendJSON(req.Message)
		}
		return
	}

	if err := h.ensureLoaded(); err != nil {
		if _, ok := h.clients[req.Client]; ok {
			req.Client.sendJSON(Message{Type: MsgTypeError, Error: "Server error loading match"})
		}
		req.reply(HubResponse{Error: err})
		return
	}

	switch req.Type {
	case ReqTypeWSJoin:
		if _, ok := h.clients[req.Client]; ok {
			h.handleWSJoin(req.Client, req.Message)
		}
	case ReqTypeHTTPLoad:
		req.reply(h.handleHTTPLoad(req.UserID))
	case ReqTypeHTTPAction:
		resp, err := h.processAction(req.Message, req.UserID)
		req.reply(HubResponse{Message: resp, Error: err})
	case ReqTypeSubscribe:
		h.subs[req.SubID] = req.Callback
		if h.live() {
			h.notify(req.Callback)
		}
		req.reply(HubResponse{})
	}
}

func (h *Hub) ensureLoaded() error {
	if h.match != nil {
		return nil
	}
	m, err := h.hm.fsm.stores.Matches.LoadMatch(h.matchID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error().Err(err).Str("match", h.matchID).Msg("hub: error loading match")
			return err
		}
		m = &Match{ID: h.matchID}
		m.normalize()
	}
	h.match = m
	return nil
}

// live reports whether the match has been created and not deleted.
func (h *Hub) live() bool {
	return h.match.exists() && h.match.Status != StatusDeleted
}

func (h *Hub) access(userID string) AccessLevel {
	if h.hm.ac != nil && h.hm.ac.IsAdmin(userID) {
		return AccessAdmin
	}
	return GetMatchAccess(userID, *h.match, h.hm.fsm.stores.Teams)
}

func (h *Hub) stateMessage() Message {
	return Message{
		Type:         MsgTypeState,
		MatchID:      h.matchID,
		BaseRevision: h.match.Revision(),
		Status:       h.match.Status,
		State:        h.match.Score,
	}
}

// publish sends applied actions and the resulting state to joined clients
// and subscribers.
func (h *Hub) publish(applied []json.RawMessage) {
	for _, a := range applied {
		h.broadcast(Message{Type: MsgTypeAction, MatchID: h.matchID, Action: a})
	}
	h.broadcast(h.stateMessage())
	for _, cb := range h.subs {
		h.notify(cb)
	}
}

// notify runs a subscriber callback on its own copy of the match.
func (h *Hub) notify(cb func(Match)) {
	m, err := h.match.Clone()
	if err != nil {
		log.Error().Err(err).Str("match", h.matchID).Msg("hub: clone for subscriber failed")
		return
	}
	cb(*m)
}

func (h *Hub) broadcast(msg Message) {
	for c, joined := range h.clients {
		if !joined {
			continue
		}
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) dropClient(c *wsClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) handleWSJoin(c *wsClient, msg Message) {
	if !h.live() {
		if msg.LastRevision != "" {
			log.Info().Str("match", h.matchID).Str("revision", msg.LastRevision).Msg("conflict: client joining a match the server does not have")
			c.sendJSON(Message{Type: MsgTypeConflict, MatchID: h.matchID, Error: "Match not found on server"})
			return
		}
		c.sendJSON(Message{Type: MsgTypeError, MatchID: h.matchID, Error: "Match not found"})
		return
	}
	if h.access(c.userID) < AccessRead {
		log.Warn().Str("user", maskEmail(c.userID)).Str("match", h.matchID).Msg("forbidden: join without read access")
		c.sendJSON(Message{Type: MsgTypeError, MatchID: h.matchID, Error: "Forbidden: You do not have access to this match"})
		h.dropClient(c)
		return
	}
	h.clients[c] = true

	serverRevision := h.match.Revision()
	switch {
	case msg.LastRevision == "" || msg.LastRevision == serverRevision:
		c.sendJSON(Message{Type: MsgTypeAck, MatchID: h.matchID, BaseRevision: serverRevision})
	default:
		missing := getActionsSince(h.match.ActionLog, msg.LastRevision)
		if missing == nil {
			c.sendJSON(Message{Type: MsgTypeConflict, MatchID: h.matchID, Error: "Client history is divergent from server", BaseRevision: serverRevision})
			return
		}
		c.sendJSON(Message{Type: MsgTypeSyncUpdate, MatchID: h.matchID, Actions: missing, BaseRevision: serverRevision})
	}
	c.sendJSON(h.stateMessage())
}

func (h *Hub) handleHTTPLoad(userID string) HubResponse {
	if !h.live() {
		return HubResponse{Error: os.ErrNotExist}
	}
	if h.access(userID) < AccessRead {
		if userID == "" {
			return HubResponse{Error: ErrUnauthenticated}
		}
		return HubResponse{Error: ErrForbidden}
	}
	m, err := h.match.Clone()
	return HubResponse{Match: m, Error: err}
}

// authorize checks every action in the batch. Creating a match grants the
// creator ownership for the rest of the batch.
func (h *Hub) authorize(actions []json.RawMessage, userID string) error {
	exists := h.match.exists()
	if h.match.Status == StatusDeleted {
		return os.ErrNotExist
	}
	if !exists {
		var first struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(actions[0], &first); err != nil || first.Type != ActionMatchCreate {
			return fmt.Errorf("%w: match %s not found on server", ErrConflict, h.matchID)
		}
	}
	access := AccessNone
	if exists {
		access = h.access(userID)
	}
	creating := false
	for _, raw := range actions {
		var meta struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return actionErrorf("malformed action JSON")
		}
		if meta.Type == ActionMatchCreate && !exists && !creating {
			var p struct {
				OwnerID string `json:"ownerId"`
			}
			if err := json.Unmarshal(meta.Payload, &p); err == nil && userID != "" && normalizeEmail(p.OwnerID) == userID {
				creating = true
				access = AccessAdmin
			}
		}
		need := AccessWrite
		if meta.Type == ActionMatchMetadataUpdate {
			need = AccessAdmin
		}
		if access < need {
			log.Warn().Str("user", maskEmail(userID)).Str("match", h.matchID).Str("action", meta.Type).Msg("forbidden: insufficient access")
			if userID == "" {
				return ErrUnauthenticated
			}
			return fmt.Errorf("%w: %s needs %s access", ErrForbidden, meta.Type, need)
		}
	}
	if creating && h.hm.ac != nil {
		if err := h.hm.ac.CheckMatchQuota(userID, h.hm.fsm.r.CountOwnedMatches(userID)); err != nil {
			return err
		}
	}
	return nil
}

// trimApplied drops the prefix of the batch already in the log after
// baseRevision, so a retried batch is applied only once. It reports a
// conflict when the batch forks from the log.
func (h *Hub) trimApplied(actions []json.RawMessage, baseRevision string) ([]json.RawMessage, error) {
	head := h.match.Revision()
	if len(h.match.ActionLog) == 0 || baseRevision == head {
		return actions, nil
	}
	matchIndex := -1
	if baseRevision != "" {
		found := false
		for i := len(h.match.ActionLog) - 1; i >= 0; i-- {
			if actionID(h.match.ActionLog[i]) == baseRevision {
				matchIndex, found = i, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: base revision %s not found", ErrConflict, baseRevision)
		}
	}
	serverIdx, batchIdx := matchIndex+1, 0
	for serverIdx < len(h.match.ActionLog) && batchIdx < len(actions) {
		if actionID(h.match.ActionLog[serverIdx]) != actionID(actions[batchIdx]) {
			return nil, fmt.Errorf("%w: history divergence", ErrConflict)
		}
		serverIdx++
		batchIdx++
	}
	return actions[batchIdx:], nil
}

func (h *Hub) processAction(msg Message, userID string) (*Message, error) {
	actions := msg.Actions
	if len(actions) == 0 && len(msg.Action) > 0 {
		actions = []json.RawMessage{msg.Action}
	}
	if len(actions) == 0 {
		return nil, actionErrorf("no actions")
	}
	if len(actions) > maxBatchSize {
		return nil, actionErrorf("batch size too large (max %d)", maxBatchSize)
	}
	if err := ValidateActions(actions); err != nil {
		log.Info().Err(err).Str("user", maskEmail(userID)).Msg("invalid actions payload")
		h.hm.metrics.RecordRejected(err)
		return nil, err
	}
	if err := h.authorize(actions, userID); err != nil {
		h.hm.metrics.RecordRejected(err)
		if errors.Is(err, ErrConflict) {
			return &Message{Type: MsgTypeConflict, MatchID: h.matchID, Error: "Match not found on server"}, err
		}
		return nil, err
	}

	rm := h.hm.fsm.rm
	if rm != nil && !rm.IsLeader() {
		return nil, ErrNotLeader
	}

	if msg.BaseRevision != h.match.Revision() {
		// The cached copy may trail the FSM; reload before calling it a conflict.
		if m, err := h.hm.fsm.stores.Matches.LoadMatch(h.matchID); err == nil {
			h.match = m
		}
	}
	remaining, err := h.trimApplied(actions, msg.BaseRevision)
	if err != nil {
		log.Info().Err(err).Str("user", maskEmail(userID)).Str("match", h.matchID).Msg("conflict")
		h.hm.metrics.RecordRejected(err)
		return &Message{Type: MsgTypeConflict, MatchID: h.matchID, Error: err.Error(), BaseRevision: h.match.Revision()}, err
	}
	if len(remaining) == 0 {
		return &Message{Type: MsgTypeAck, MatchID: h.matchID, BaseRevision: h.match.Revision()}, nil
	}

	if rm != nil {
		cmd := RaftCommand{
			Type:   CmdApplyAction,
			ID:     h.matchID,
			Action: &ActionPayload{MatchID: h.matchID, Actions: remaining, UserID: userID},
		}
		if _, err := rm.Propose(cmd); err != nil {
			return nil, err
		}
		return &Message{Type: MsgTypeAck, MatchID: h.matchID, BaseRevision: getCurrentRevision(remaining)}, nil
	}

	next, applied, err := applyBatch(h.match, remaining)
	if err != nil {
		h.hm.metrics.RecordRejected(err)
		return nil, err
	}
	if len(applied) > 0 {
		if err := h.hm.fsm.commitMatch(next, h.match.Status, 0); err != nil {
			return nil, err
		}
		h.hm.metrics.RecordApplied(applied)
		h.match = next
		h.publish(applied)
	}
	return &Message{Type: MsgTypeAck, MatchID: h.matchID, BaseRevision: h.match.Revision()}, nil
}

// HubManager owns one hub per active match.
type HubManager struct {
	mu    sync.Mutex
	hubs  map[string]*Hub
	quit  chan struct{}
	wg    sync.WaitGroup
	fsm   *FSM
	ac    *AccessControl
	subID atomic.Uint64

	metrics     *Metrics
	idleTimeout time.Duration
	shutdown    bool
}

// NewHubManager creates a HubManager. NewFSM completes the wiring.
func NewHubManager(ac *AccessControl, metrics *Metrics) *HubManager {
	return &HubManager{
		hubs:        make(map[string]*Hub),
		quit:        make(chan struct{}),
		ac:          ac,
		metrics:     metrics,
		idleTimeout: defaultIdleTimeout,
	}
}

// GetHub returns the hub of a match, starting it if needed. It returns nil
// after Shutdown.
func (hm *HubManager) GetHub(id string) *Hub {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.shutdown {
		return nil
	}
	if hub, ok := hm.hubs[id]; ok {
		return hub
	}
	hub := newHub(id, hm)
	hm.hubs[id] = hub
	hm.wg.Add(1)
	go hub.run()
	return hub
}

// release removes an idle hub from the map unless work is queued for it.
func (hm *HubManager) release(h *Hub) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if len(h.requests) > 0 || h.senders > 0 {
		return false
	}
	if hm.hubs[h.matchID] == h {
		delete(hm.hubs, h.matchID)
	}
	return true
}

// enqueue delivers req to h. It returns false when h has been released or
// stopped, in which case the caller should look the hub up again. A hub is
// never released while a sender is between the lookup and the send.
func (hm *HubManager) enqueue(ctx context.Context, h *Hub, req HubRequest) (bool, error) {
	hm.mu.Lock()
	if hm.hubs[h.matchID] != h {
		hm.mu.Unlock()
		return false, nil
	}
	h.senders++
	hm.mu.Unlock()
	defer func() {
		hm.mu.Lock()
		h.senders--
		hm.mu.Unlock()
	}()

	select {
	case h.requests <- req:
		return true, nil
	case <-h.done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// request sends req to the match's hub and waits for the reply. A hub that
// exits while the request is in flight is replaced and the request resent.
func (hm *HubManager) request(ctx context.Context, matchID string, req HubRequest) (HubResponse, error) {
	req.Reply = make(chan HubResponse, 1)
	for range 3 {
		h := hm.GetHub(matchID)
		if h == nil {
			return HubResponse{}, errHubsClosed
		}
		sent, err := hm.enqueue(ctx, h, req)
		if err != nil {
			return HubResponse{}, err
		}
		if !sent {
			continue
		}
		select {
		case resp := <-req.Reply:
			return resp, nil
		case <-h.done:
			select {
			case resp := <-req.Reply:
				return resp, nil
			default:
			}
		case <-ctx.Done():
			return HubResponse{}, ctx.Err()
		}
	}
	return HubResponse{}, fmt.Errorf("match %s: hub unavailable", matchID)
}

// LoadMatch returns a copy of the match if the user may read it.
func (hm *HubManager) LoadMatch(ctx context.Context, matchID, userID string) (*Match, error) {
	resp, err := hm.request(ctx, matchID, HubRequest{Type: ReqTypeHTTPLoad, UserID: userID})
	if err != nil {
		return nil, err
	}
	return resp.Match, resp.Error
}

// SubmitActions applies a client's actions to a match. The returned message
// is an ACK, or a CONFLICT alongside an error wrapping ErrConflict.
func (hm *HubManager) SubmitActions(ctx context.Context, userID string, msg Message) (*Message, error) {
	resp, err := hm.request(ctx, msg.MatchID, HubRequest{Type: ReqTypeHTTPAction, UserID: userID, Message: msg})
	if err != nil {
		return nil, err
	}
	return resp.Message, resp.Error
}

// Subscribe calls fn with the match now, if it exists, and after every
// change. fn runs on the hub goroutine and must not call back into the
// HubManager. The returned function cancels the subscription.
func (hm *HubManager) Subscribe(ctx context.Context, matchID string, fn func(Match)) (func(), error) {
	id := hm.subID.Add(1)
	resp, err := hm.request(ctx, matchID, HubRequest{Type: ReqTypeSubscribe, SubID: id, Callback: fn})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if _, err := hm.request(context.Background(), matchID, HubRequest{Type: ReqTypeUnsubscribe, SubID: id}); err != nil && !errors.Is(err, errHubsClosed) {
				log.Warn().Err(err).Str("match", matchID).Msg("unsubscribe failed")
			}
		})
	}, nil
}

// BroadcastToMatch hands a committed match to its hub, if one is running.
// It never blocks the FSM.
func (hm *HubManager) BroadcastToMatch(m *Match, applied []json.RawMessage) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hub, ok := hm.hubs[m.ID]
	if !ok {
		return
	}
	select {
	case hub.requests <- HubRequest{Type: ReqTypeBroadcast, Match: m, Applied: applied}:
	default:
		log.Warn().Str("match", m.ID).Msg("hub channel full, dropping broadcast")
		hm.invalidateLocked(hub)
	}
}

// RemoveHub makes a running hub drop its cached match.
func (hm *HubManager) RemoveHub(id string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hub, ok := hm.hubs[id]; ok {
		hm.invalidateLocked(hub)
	}
}

// Clear makes every running hub drop its cached match, e.g. after a
// snapshot restore.
func (hm *HubManager) Clear() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for _, hub := range hm.hubs {
		hm.invalidateLocked(hub)
	}
}

func (hm *HubManager) invalidateLocked(hub *Hub) {
	select {
	case hub.requests <- HubRequest{Type: ReqTypeReload}:
	default:
		go func() {
			select {
			case hub.requests <- HubRequest{Type: ReqTypeReload}:
			case <-hub.done:
			}
		}()
	}
}

// Shutdown stops all hubs and closes their clients.
func (hm *HubManager) Shutdown() {
	hm.mu.Lock()
	if hm.shutdown {
		hm.mu.Unlock()
		return
	}
	hm.shutdown = true
	close(hm.quit)
	hm.hubs = make(map[string]*Hub)
	hm.mu.Unlock()
	hm.wg.Wait()
}

// wsClient is a middleman between the websocket connection and the hub.
type wsClient struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan Message
	userID  string
	metrics *Metrics
}

// readPump pumps messages from the websocket connection to the hub.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		c.metrics.wsClosed()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("websocket read")
			}
			return
		}
		switch msg.Type {
		case MsgTypeJoin:
			select {
			case c.hub.requests <- HubRequest{Type: ReqTypeWSJoin, Client: c, Message: msg}:
			case <-c.hub.done:
				return
			}
		case MsgTypePing:
			if !c.reply(Message{Type: MsgTypePong}) {
				return
			}
		default:
			log.Debug().Str("type", msg.Type).Msg("unknown websocket message type")
			if !c.reply(Message{Type: MsgTypeError, Error: "Unknown message type"}) {
				return
			}
		}
	}
}

// reply asks the hub to queue msg for this client. It returns false once
// the hub is gone.
func (c *wsClient) reply(msg Message) bool {
	select {
	case c.hub.requests <- HubRequest{Type: ReqTypeWSReply, Client: c, Message: msg}:
		return true
	case <-c.hub.done:
		return false
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendJSON queues a message without blocking. Only the hub goroutine calls
// it, and only for registered clients.
func (c *wsClient) sendJSON(msg Message) {
	select {
	case c.send <- msg:
	default:
	}
}

// ServeWS upgrades the request and attaches the connection to the match
// named by the matchId query parameter.
func ServeWS(hm *HubManager, w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	matchID := r.URL.Query().Get("matchId")
	if !isValidUUID(matchID) {
		http.Error(w, "Invalid matchId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade")
		return
	}

	client := &wsClient{conn: conn, send: make(chan Message, 256), userID: userID, metrics: hm.metrics}
	for range 3 {
		hub := hm.GetHub(matchID)
		if hub == nil {
			break
		}
		if sent, _ := hm.enqueue(context.Background(), hub, HubRequest{Type: ReqTypeRegister, Client: client}); !sent {
			continue
		}
		client.hub = hub
		break
	}
	if client.hub == nil {
		conn.Close()
		return
	}
	hm.metrics.wsOpened()
	go client.writePump()
	go client.readPump()
}
