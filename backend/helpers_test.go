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
	"encoding/json"
	"fmt"
	"testing"

	"github.com/c2FmZQ/storage"
	"github.com/stretchr/testify/require"

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

const testOwner = "owner@example.com"

func makeUUID(i int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", i)
}

// makeAction builds a raw action with a deterministic id.
func makeAction(t testing.TB, n int, typ string, payload any) json.RawMessage {
	t.Helper()
	var p json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		p = b
	}
	raw, err := json.Marshal(BaseAction{
		ID:            makeUUID(n),
		Type:          typ,
		Payload:       p,
		Timestamp:     int64(n),
		SchemaVersion: CurrentSchemaVersion,
	})
	require.NoError(t, err)
	return raw
}

func createPayload(matchID string, maxOvers int) MatchCreatePayload {
	return MatchCreatePayload{
		ID:         matchID,
		Date:       "2026-03-01",
		Venue:      "Eden Gardens",
		TeamA:      MatchTeam{TeamID: "team-l", Name: "Lions", Players: []string{"l1", "l2", "l3"}},
		TeamB:      MatchTeam{TeamID: "team-t", Name: "Tigers", Players: []string{"t1", "t2", "t3"}},
		MaxOvers:   maxOvers,
		MaxWickets: 2,
		OwnerID:    testOwner,
	}
}

func ball(striker, bowler string, runs int) scoring.Ball {
	return scoring.Ball{Kind: scoring.KindRuns, Runs: runs, Striker: striker, Bowler: bowler}
}

// startedMatchActions returns the actions that create a one-over match with
// Lions batting first.
func startedMatchActions(t testing.TB, matchID string) []json.RawMessage {
	t.Helper()
	return []json.RawMessage{
		makeAction(t, 1, ActionMatchCreate, createPayload(matchID, 1)),
		makeAction(t, 2, ActionToss, TossPayload{Winner: "Tigers", Decision: TossBowl}),
		makeAction(t, 3, ActionMatchStart, MatchStartPayload{}),
	}
}

func newTestStorage(t testing.TB) (string, *storage.Storage) {
	t.Helper()
	dir := t.TempDir()
	return dir, storage.New(dir, nil)
}
