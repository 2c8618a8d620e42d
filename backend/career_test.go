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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

// completedMatchActions plays a one-over match that Lions win by 2 runs.
func completedMatchActions(t *testing.T, matchID string) []json.RawMessage {
	t.Helper()
	actions := startedMatchActions(t, matchID)
	n := 10
	add := func(b scoring.Ball) {
		actions = append(actions, makeAction(t, n, ActionBall, b))
		n++
	}
	for _, r := range []int{1, 0, 4, 0, 2, 0} {
		add(ball("l1", "t1", r))
	}
	add(ball("t1", "l1", 6))
	add(scoring.Ball{Kind: scoring.KindWicket, Striker: "t1", Bowler: "l1", Dismissal: &scoring.Dismissal{Type: scoring.Bowled}})
	add(scoring.Ball{Kind: scoring.KindWicket, Striker: "t2", Bowler: "l1", Dismissal: &scoring.Dismissal{Type: scoring.Caught, Fielder: "l2"}})
	return actions
}

func seedPlayers(t *testing.T, ps *PlayerStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, ps.SavePlayer(&Player{ID: id, Name: id}))
	}
}

func TestCareerBook_CountsCompletedMatchOnce(t *testing.T) {
	dir, st := newTestStorage(t)
	ps := NewPlayerStore(dir, st)
	seedPlayers(t, ps, "l1", "l2", "t1", "t2")
	cb := NewCareerBook(ps)

	m := buildMatch(t, completedMatchActions(t, makeUUID(100)))
	require.Equal(t, StatusCompleted, m.Status)

	changed, err := cb.Sync(m, 0)
	require.NoError(t, err)
	assert.Len(t, changed, 4)

	changed, err = cb.Sync(m, 0)
	require.NoError(t, err)
	assert.Empty(t, changed, "second sync of the same match must not change careers")

	l1, err := ps.LoadPlayer("l1")
	require.NoError(t, err)
	cs := l1.CareerStats
	assert.Equal(t, 1, cs.Matches)
	assert.Equal(t, 7, cs.TotalRuns)
	assert.Equal(t, 6, cs.TotalBallsFaced)
	assert.Equal(t, 1, cs.TotalFours)
	assert.Equal(t, 7, cs.HighestScore)
	assert.Equal(t, 1, cs.NotOuts)
	assert.Zero(t, cs.Average)
	assert.InDelta(t, 116.67, cs.StrikeRate, 0.01)
	assert.Equal(t, 2, cs.TotalWickets)
	assert.Equal(t, 3, cs.TotalBallsBowled)
	assert.Equal(t, "0.3", cs.TotalOvers)
	assert.Equal(t, "2/6", cs.BestBowling)
	assert.InDelta(t, 3.0, cs.BowlingAverage, 0.001)
	assert.InDelta(t, 12.0, cs.BowlingEconomy, 0.001)
	assert.Equal(t, []string{makeUUID(100)}, cs.MatchIDs)

	t1, _ := ps.LoadPlayer("t1")
	assert.Equal(t, 6, t1.CareerStats.TotalRuns)
	assert.InDelta(t, 6.0, t1.CareerStats.Average, 0.001)
	assert.Equal(t, "0/7", t1.CareerStats.BestBowling)

	l2, _ := ps.LoadPlayer("l2")
	assert.Equal(t, 1, l2.CareerStats.TotalCatches)
	assert.Equal(t, 1, l2.CareerStats.Matches)
	assert.Zero(t, l2.CareerStats.Innings)
}

func TestCareerBook_UndoWithdrawsContribution(t *testing.T) {
	dir, st := newTestStorage(t)
	ps := NewPlayerStore(dir, st)
	seedPlayers(t, ps, "l1", "t2")
	cb := NewCareerBook(ps)

	m := buildMatch(t, completedMatchActions(t, makeUUID(100)))
	_, err := cb.Sync(m, 0)
	require.NoError(t, err)

	// Undo the last wicket: the match is live again.
	_, err = ApplyAction(m, makeAction(t, 50, ActionUndo, UndoPayload{RefID: makeUUID(18)}))
	require.NoError(t, err)
	require.Equal(t, StatusOngoing, m.Status)

	changed, err := cb.Sync(m, 0)
	require.NoError(t, err)
	assert.Len(t, changed, 2)

	l1, _ := ps.LoadPlayer("l1")
	assert.Zero(t, l1.CareerStats.Matches)
	assert.Zero(t, l1.CareerStats.TotalRuns)
	assert.Equal(t, "0/0", l1.CareerStats.BestBowling)
	assert.Empty(t, l1.Contributions)
}

func TestCareerBook_AccumulatesAcrossMatches(t *testing.T) {
	dir, st := newTestStorage(t)
	ps := NewPlayerStore(dir, st)
	seedPlayers(t, ps, "l1")
	cb := NewCareerBook(ps)

	for _, id := range []string{makeUUID(100), makeUUID(101)} {
		_, err := cb.Sync(buildMatch(t, completedMatchActions(t, id)), 0)
		require.NoError(t, err)
	}
	l1, _ := ps.LoadPlayer("l1")
	assert.Equal(t, 2, l1.CareerStats.Matches)
	assert.Equal(t, 14, l1.CareerStats.TotalRuns)
	assert.Equal(t, 4, l1.CareerStats.TotalWickets)
	assert.Equal(t, "2/6", l1.CareerStats.BestBowling)
}

func TestCareerBook_SkipsUnknownAndDeletedPlayers(t *testing.T) {
	dir, st := newTestStorage(t)
	ps := NewPlayerStore(dir, st)
	seedPlayers(t, ps, "l1")
	require.NoError(t, ps.DeletePlayer("l1"))
	cb := NewCareerBook(ps)

	changed, err := cb.Sync(buildMatch(t, completedMatchActions(t, makeUUID(100))), 0)
	require.NoError(t, err)
	assert.Empty(t, changed)
}
