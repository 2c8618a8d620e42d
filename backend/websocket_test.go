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
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// wsHarness serves ServeWS with the user taken from the X-Test-User header.
type wsHarness struct {
	*testFSM
	server *httptest.Server
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	f := newTestFSM(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := r.Header.Get("X-Test-User"); u != "" {
			r = r.WithContext(context.WithValue(r.Context(), userIDKey, u))
		}
		ServeWS(f.hm, w, r)
	}))
	t.Cleanup(srv.Close)
	return &wsHarness{testFSM: f, server: srv}
}

func (h *wsHarness) dial(t *testing.T, matchID, user string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(h.server.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.RawQuery = url.Values{"matchId": {matchID}}.Encode()
	header := http.Header{}
	if user != "" {
		header.Set("X-Test-User", user)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *wsHarness) submit(t *testing.T, matchID, base string, actions ...json.RawMessage) *Message {
	t.Helper()
	resp, err := h.hm.SubmitActions(context.Background(), testOwner, Message{
		Type:         MsgTypeAction,
		MatchID:      matchID,
		BaseRevision: base,
		Actions:      actions,
	})
	require.NoError(t, err)
	require.Equal(t, MsgTypeAck, resp.Type)
	return resp
}

func readMsg(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocket_JoinAndBroadcast(t *testing.T) {
	h := newWSHarness(t)
	id := makeUUID(200)
	h.submit(t, id, "", startedMatchActions(t, id)...)

	conn := h.dial(t, id, testOwner)
	require.NoError(t, conn.WriteJSON(Message{Type: MsgTypeJoin, MatchID: id}))
	ack := readMsg(t, conn)
	assert.Equal(t, MsgTypeAck, ack.Type)
	assert.Equal(t, makeUUID(3), ack.BaseRevision)
	state := readMsg(t, conn)
	require.Equal(t, MsgTypeState, state.Type)
	assert.Equal(t, StatusOngoing, state.Status)
	require.NotNil(t, state.State)

	h.submit(t, id, makeUUID(3), makeAction(t, 4, ActionBall, ball("l1", "t1", 4)))
	action := readMsg(t, conn)
	require.Equal(t, MsgTypeAction, action.Type)
	assert.Equal(t, makeUUID(4), actionID(action.Action))
	state = readMsg(t, conn)
	require.Equal(t, MsgTypeState, state.Type)
	assert.Equal(t, makeUUID(4), state.BaseRevision)
	assert.Equal(t, 4, state.State.Current().Score.Runs)
}

func TestWebSocket_JoinCatchesUp(t *testing.T) {
	h := newWSHarness(t)
	id := makeUUID(201)
	h.submit(t, id, "", startedMatchActions(t, id)...)
	h.submit(t, id, makeUUID(3), makeAction(t, 4, ActionBall, ball("l1", "t1", 1)))

	conn := h.dial(t, id, testOwner)
	require.NoError(t, conn.WriteJSON(Message{Type: MsgTypeJoin, MatchID: id, LastRevision: makeUUID(2)}))
	sync := readMsg(t, conn)
	require.Equal(t, MsgTypeSyncUpdate, sync.Type)
	require.Len(t, sync.Actions, 2)
	assert.Equal(t, makeUUID(3), actionID(sync.Actions[0]))
	assert.Equal(t, makeUUID(4), sync.BaseRevision)
	assert.Equal(t, MsgTypeState, readMsg(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: MsgTypeJoin, MatchID: id, LastRevision: "unknown-revision"}))
	conflict := readMsg(t, conn)
	assert.Equal(t, MsgTypeConflict, conflict.Type)
	assert.Equal(t, makeUUID(4), conflict.BaseRevision)
}

func TestWebSocket_JoinErrors(t *testing.T) {
	h := newWSHarness(t)
	id := makeUUID(202)
	h.submit(t, id, "", startedMatchActions(t, id)...)

	t.Run("Forbidden", func(t *testing.T) {
		conn := h.dial(t, id, "stranger@example.com")
		require.NoError(t, conn.WriteJSON(Message{Type: MsgTypeJoin, MatchID: id}))
		msg := readMsg(t, conn)
		assert.Equal(t, MsgTypeError, msg.Type)
		assert.Contains(t, msg.Error, "Forbidden")
	})

	t.Run("UnknownMatch", func(t *testing.T) {
		conn := h.dial(t, makeUUID(999), testOwner)
		require.NoError(t, conn.WriteJSON(Message{Type: MsgTypeJoin}))
		msg := readMsg(t, conn)
		assert.Equal(t, MsgTypeError, msg.Type)
		assert.Equal(t, "Match not found", msg.Error)

		require.NoError(t, conn.WriteJSON(Message{Type: MsgTypeJoin, LastRevision: makeUUID(5)}))
		assert.Equal(t, MsgTypeConflict, readMsg(t, conn).Type)
	})

	t.Run("InvalidMatchID", func(t *testing.T) {
		u := strings.Replace(h.server.URL, "http", "ws", 1) + "/?matchId=not-a-uuid"
		_, resp, err := websocket.DefaultDialer.Dial(u, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestWebSocket_PingAndUnknownType(t *testing.T) {
	h := newWSHarness(t)
	id := makeUUID(203)
	h.submit(t, id, "", startedMatchActions(t, id)...)
	conn := h.dial(t, id, testOwner)

	require.NoError(t, conn.WriteJSON(Message{Type: MsgTypePing}))
	assert.Equal(t, MsgTypePong, readMsg(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "DANCE"}))
	msg := readMsg(t, conn)
	assert.Equal(t, MsgTypeError, msg.Type)
	assert.Equal(t, "Unknown message type", msg.Error)
}

func TestHubManager_SubmitConflictAndRetry(t *testing.T) {
	f := newTestFSM(t)
	ctx := context.Background()
	id := makeUUID(204)
	_, err := f.hm.SubmitActions(ctx, testOwner, Message{MatchID: id, Actions: startedMatchActions(t, id)})
	require.NoError(t, err)

	// A retried batch is applied once.
	resp, err := f.hm.SubmitActions(ctx, testOwner, Message{MatchID: id, Actions: startedMatchActions(t, id)})
	require.NoError(t, err)
	assert.Equal(t, MsgTypeAck, resp.Type)
	m, err := f.hm.LoadMatch(ctx, id, testOwner)
	require.NoError(t, err)
	assert.Len(t, m.ActionLog, 3)

	resp, err = f.hm.SubmitActions(ctx, testOwner, Message{
		MatchID:      id,
		BaseRevision: makeUUID(3),
		Action:       makeAction(t, 9, ActionBall, ball("l1", "t1", 2)),
	})
	require.NoError(t, err)
	assert.Equal(t, makeUUID(9), resp.BaseRevision)

	resp, err = f.hm.SubmitActions(ctx, testOwner, Message{
		MatchID:      id,
		BaseRevision: makeUUID(3),
		Action:       makeAction(t, 10, ActionBall, ball("l1", "t1", 2)),
	})
	assert.ErrorIs(t, err, ErrConflict)
	require.NotNil(t, resp)
	assert.Equal(t, MsgTypeConflict, resp.Type)

	_, err = f.hm.SubmitActions(ctx, "stranger@example.com", Message{
		MatchID:      id,
		BaseRevision: makeUUID(9),
		Action:       makeAction(t, 11, ActionBall, ball("l1", "t1", 2)),
	})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.hm.LoadMatch(ctx, id, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestHubManager_SubscribeAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newTestFSM(t)
	ctx := context.Background()
	id := makeUUID(205)
	_, err := f.hm.SubmitActions(ctx, testOwner, Message{MatchID: id, Actions: startedMatchActions(t, id)})
	require.NoError(t, err)

	updates := make(chan Match, 4)
	cancel, err := f.hm.Subscribe(ctx, id, func(m Match) { updates <- m })
	require.NoError(t, err)

	first := <-updates
	assert.Equal(t, makeUUID(3), first.Revision())

	_, err = f.hm.SubmitActions(ctx, testOwner, Message{
		MatchID:      id,
		BaseRevision: makeUUID(3),
		Action:       makeAction(t, 4, ActionBall, ball("l1", "t1", 6)),
	})
	require.NoError(t, err)
	second := <-updates
	assert.Equal(t, makeUUID(4), second.Revision())
	assert.Equal(t, 6, second.Score.Current().Score.Runs)

	cancel()
	cancel()
	f.hm.Shutdown()

	_, err = f.hm.LoadMatch(ctx, id, testOwner)
	assert.ErrorIs(t, err, errHubsClosed)
}

func TestHubManager_ReleaseWaitsForSenders(t *testing.T) {
	f := newTestFSM(t)
	f.hm.idleTimeout = 20 * time.Millisecond
	ctx := context.Background()
	id := makeUUID(206)
	_, err := f.hm.SubmitActions(ctx, testOwner, Message{MatchID: id, Actions: startedMatchActions(t, id)})
	require.NoError(t, err)

	h := f.hm.GetHub(id)
	f.hm.mu.Lock()
	h.senders++
	f.hm.mu.Unlock()
	assert.False(t, f.hm.release(h))
	f.hm.mu.Lock()
	h.senders--
	f.hm.mu.Unlock()

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("idle hub was not released")
	}

	// A request aimed at the released hub is refused instead of stranded.
	sent, err := f.hm.enqueue(ctx, h, HubRequest{Type: ReqTypeReload})
	require.NoError(t, err)
	assert.False(t, sent)

	m, err := f.hm.LoadMatch(ctx, id, testOwner)
	require.NoError(t, err)
	assert.Equal(t, makeUUID(3), m.Revision())
	assert.NotSame(t, h, f.hm.GetHub(id))
}
