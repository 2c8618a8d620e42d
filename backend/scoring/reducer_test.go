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

package scoring

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oneOverSetup() Setup {
	return Setup{
		TeamA:        "Lions",
		TeamB:        "Tigers",
		FirstBatting: "Lions",
		MaxOvers:     1,
		MaxWickets:   10,
		Lineups: map[string][]string{
			"Lions":  {"l1", "l2", "l3"},
			"Tigers": {"t1", "t2", "t3"},
		},
	}
}

func runs(n int, striker, bowler string) Ball {
	return Ball{Kind: KindRuns, Runs: n, Striker: striker, Bowler: bowler}
}

func mustApply(t *testing.T, s State, b Ball) (State, *Result) {
	t.Helper()
	next, res, err := Apply(s, b)
	require.NoError(t, err)
	return next, res
}

func mustState(t *testing.T, setup Setup) State {
	t.Helper()
	s, err := NewState(setup)
	require.NoError(t, err)
	return s
}

func TestApply_RunsAdvanceScoreAndBall(t *testing.T) {
	for _, r := range []int{0, 1, 2, 3, 4, 6} {
		s := mustState(t, oneOverSetup())
		next, res := mustApply(t, s, runs(r, "l1", "t1"))
		assert.Nil(t, res)
		cur := next.Current().Score
		assert.Equal(t, r, cur.Runs, "runs for %d", r)
		assert.Equal(t, 1, cur.Balls, "balls for %d", r)
		assert.Equal(t, 0, cur.Overs, "overs for %d", r)
	}
}

func TestApply_SixBallsMakeAnOver(t *testing.T) {
	setup := oneOverSetup()
	setup.MaxOvers = 5
	s := mustState(t, setup)
	for i := 0; i < 6; i++ {
		s, _ = mustApply(t, s, runs(1, "l1", "t1"))
	}
	score := s.Current().Score
	assert.Equal(t, 1, score.Overs)
	assert.Equal(t, 0, score.Balls)
	assert.Equal(t, "1.0", score.OversString())
	assert.Equal(t, FirstInnings, s.Phase)
}

func TestApply_ExtrasDoNotCountAsBalls(t *testing.T) {
	s := mustState(t, oneOverSetup())
	s, _ = mustApply(t, s, runs(2, "l1", "t1"))

	s, _ = mustApply(t, s, Ball{Kind: KindWide, Striker: "l1", Bowler: "t1"})
	s, _ = mustApply(t, s, Ball{Kind: KindNoBall, Extras: 3, Striker: "l1", Bowler: "t1"})

	in := s.Current()
	assert.Equal(t, 6, in.Score.Runs)
	assert.Equal(t, 1, in.Score.Balls)
	assert.Equal(t, 0, in.Score.Overs)
	assert.Equal(t, Extras{Wides: 1, NoBalls: 3, Total: 4}, in.Extras)

	bat, _ := in.Batter("l1")
	assert.Equal(t, 2, bat.Runs)
	assert.Equal(t, 1, bat.BallsFaced)

	bowl, _ := in.Bowler("t1")
	assert.Equal(t, 1, bowl.Balls)
	assert.Equal(t, 6, bowl.RunsConceded)
	assert.Equal(t, 1, bowl.Wides)
	assert.Equal(t, 1, bowl.NoBalls)
}

func TestApply_WicketsEndInnings(t *testing.T) {
	setup := oneOverSetup()
	setup.MaxOvers = 10
	setup.MaxWickets = 2
	s := mustState(t, setup)

	s, _ = mustApply(t, s, Ball{Kind: KindWicket, Striker: "l1", Bowler: "t1", Dismissal: &Dismissal{Type: Bowled}})
	assert.Equal(t, 1, s.Current().Score.Wickets)
	assert.Equal(t, FirstInnings, s.Phase)

	s, _ = mustApply(t, s, Ball{Kind: KindWicket, Striker: "l2", Bowler: "t1", Dismissal: &Dismissal{Type: Caught, Fielder: "t2"}})
	require.Equal(t, SecondInnings, s.Phase)
	require.Len(t, s.Innings, 2)

	first := s.Innings[0]
	assert.Equal(t, 2, first.Score.Wickets)
	assert.Equal(t, 2, first.Score.Balls)
	bowl, _ := first.Bowler("t1")
	assert.Equal(t, 2, bowl.Wickets)
	require.Len(t, first.Fielding, 1)
	assert.Equal(t, FieldingLine{PlayerID: "t2", Catches: 1}, first.Fielding[0])
	require.Len(t, first.FallOfWickets, 2)
	assert.Equal(t, FallOfWicket{Wicket: 2, Runs: 0, Over: "0.2", PlayerOut: "l2", Bowler: "t1", Type: Caught}, first.FallOfWickets[1])

	second := s.Current()
	assert.Equal(t, "Tigers", second.Context.BattingTeam)
	assert.Equal(t, "Lions", second.Context.BowlingTeam)
	assert.Equal(t, 1, second.Context.Target)
	assert.Equal(t, Score{}, second.Score)
}

func TestApply_RunOutDoesNotCreditBowler(t *testing.T) {
	s := mustState(t, oneOverSetup())
	s, _ = mustApply(t, s, Ball{Kind: KindWicket, Striker: "l1", Bowler: "t1", Dismissal: &Dismissal{Type: RunOut, Fielder: "t3"}})
	in := s.Current()
	bowl, _ := in.Bowler("t1")
	assert.Equal(t, 0, bowl.Wickets)
	assert.Equal(t, 1, bowl.Balls)
	require.Len(t, in.Fielding, 1)
	assert.Equal(t, 1, in.Fielding[0].RunOuts)
	bat, _ := in.Batter("l1")
	require.NotNil(t, bat.Dismissal)
	assert.Equal(t, "t1", bat.Dismissal.Bowler)
}

func TestApply_ChaseWinsByWickets(t *testing.T) {
	s := mustState(t, oneOverSetup())
	// First innings: 10 runs off 6 balls.
	for _, r := range []int{2, 2, 2, 2, 1, 1} {
		s, _ = mustApply(t, s, runs(r, "l1", "t1"))
	}
	require.Equal(t, SecondInnings, s.Phase)
	require.Equal(t, 11, s.Current().Context.Target)

	s, _ = mustApply(t, s, Ball{Kind: KindWicket, Striker: "t1", Bowler: "l1", Dismissal: &Dismissal{Type: LBW}})
	s, _ = mustApply(t, s, runs(6, "t2", "l1"))
	s, res := mustApply(t, s, runs(4, "t2", "l1"))
	assert.Nil(t, res)
	assert.Equal(t, SecondInnings, s.Phase)

	s, res = mustApply(t, s, runs(1, "t2", "l1"))
	require.NotNil(t, res)
	assert.Equal(t, Completed, s.Phase)
	want := &Result{Outcome: OutcomeWon, Winner: "Tigers", Margin: 9, MarginType: MarginWickets, Description: "Tigers won by 9 wickets"}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, res, s.Result)
}

func TestApply_ChaseWonByExtra(t *testing.T) {
	s := mustState(t, oneOverSetup())
	s, _ = endInningsOK(t, s)
	require.Equal(t, 1, s.Current().Context.Target)

	s, res := mustApply(t, s, Ball{Kind: KindWide, Striker: "t1", Bowler: "l1"})
	require.NotNil(t, res)
	assert.Equal(t, "Tigers", res.Winner)
	assert.Equal(t, 10, res.Margin)
	assert.Equal(t, Completed, s.Phase)
}

func endInningsOK(t *testing.T, s State) (State, *Result) {
	t.Helper()
	next, res, err := EndInnings(s)
	require.NoError(t, err)
	return next, res
}

func TestApply_DefendingTeamWinsByRuns(t *testing.T) {
	s := mustState(t, oneOverSetup())
	for _, r := range []int{2, 2, 2, 2, 1, 1} {
		s, _ = mustApply(t, s, runs(r, "l1", "t1"))
	}
	var res *Result
	for _, r := range []int{1, 1, 2, 2, 1, 1} {
		s, res = mustApply(t, s, runs(r, "t1", "l1"))
	}
	require.NotNil(t, res)
	assert.Equal(t, Completed, s.Phase)
	assert.Equal(t, 8, s.Current().Score.Runs)
	assert.Equal(t, OutcomeWon, res.Outcome)
	assert.Equal(t, "Lions", res.Winner)
	assert.Equal(t, 3, res.Margin)
	assert.Equal(t, MarginRuns, res.MarginType)
	assert.Equal(t, "Lions won by 3 runs", res.Description)
}

func TestApply_Tie(t *testing.T) {
	s := mustState(t, oneOverSetup())
	for _, r := range []int{2, 2, 2, 2, 1, 1} {
		s, _ = mustApply(t, s, runs(r, "l1", "t1"))
	}
	var res *Result
	for _, r := range []int{2, 2, 2, 2, 1, 1} {
		s, res = mustApply(t, s, runs(r, "t1", "l1"))
	}
	require.NotNil(t, res)
	assert.Equal(t, Completed, s.Phase)
	assert.Equal(t, OutcomeTie, res.Outcome)
	assert.Empty(t, res.Winner)
	assert.Equal(t, "Match tied", res.Description)
}

func TestApply_RejectsAfterCompletion(t *testing.T) {
	setup := oneOverSetup()
	setup.MaxWickets = 1
	s := mustState(t, setup)
	s, _ = mustApply(t, s, runs(1, "l1", "t1"))
	s, _ = mustApply(t, s, Ball{Kind: KindWicket, Striker: "l1", Bowler: "t1", Dismissal: &Dismissal{Type: Bowled}})
	require.Equal(t, 2, s.Current().Context.Target)
	s, res := mustApply(t, s, Ball{Kind: KindWicket, Striker: "t1", Bowler: "l1", Dismissal: &Dismissal{Type: Stumped, Fielder: "l2"}})
	require.NotNil(t, res)
	assert.Equal(t, "Lions", res.Winner)
	assert.Equal(t, 2, res.Margin)

	_, _, err := Apply(s, runs(1, "t2", "l1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMatchCompleted))
	assert.True(t, IsValidation(err))

	_, _, err = EndInnings(s)
	assert.True(t, errors.Is(err, ErrMatchCompleted))
}

func TestApply_Validation(t *testing.T) {
	base := mustState(t, oneOverSetup())
	out, _ := mustApply(t, base, Ball{Kind: KindWicket, Striker: "l1", Bowler: "t1", Dismissal: &Dismissal{Type: Bowled}})

	tests := []struct {
		name  string
		state State
		ball  Ball
		field string
	}{
		{"runs of five", base, runs(5, "l1", "t1"), "runs"},
		{"negative runs", base, runs(-1, "l1", "t1"), "runs"},
		{"missing striker", base, runs(1, "", "t1"), "striker"},
		{"missing bowler", base, runs(1, "l1", ""), "bowler"},
		{"unknown striker", base, runs(1, "zz", "t1"), "striker"},
		{"striker from bowling side", base, runs(1, "t2", "t1"), "striker"},
		{"unknown bowler", base, runs(1, "l1", "l2"), "bowler"},
		{"same player", base, runs(1, "l1", "l1"), "bowler"},
		{"wide too large", base, Ball{Kind: KindWide, Extras: 8, Striker: "l1", Bowler: "t1"}, "extras"},
		{"wicket without dismissal", base, Ball{Kind: KindWicket, Striker: "l1", Bowler: "t1"}, "dismissal"},
		{"bad dismissal type", base, Ball{Kind: KindWicket, Striker: "l1", Bowler: "t1", Dismissal: &Dismissal{Type: "obstructing"}}, "dismissal"},
		{"unknown fielder", base, Ball{Kind: KindWicket, Striker: "l1", Bowler: "t1", Dismissal: &Dismissal{Type: Caught, Fielder: "nobody"}}, "dismissal"},
		{"unknown kind", base, Ball{Kind: "bye", Striker: "l1", Bowler: "t1"}, "kind"},
		{"dismissed striker", out, runs(1, "l1", "t1"), "striker"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := tc.state.Clone()
			next, res, err := Apply(tc.state, tc.ball)
			require.Error(t, err)
			assert.Nil(t, res)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
			if diff := cmp.Diff(before, next); diff != "" {
				t.Errorf("state changed on rejected ball (-before +after):\n%s", diff)
			}
		})
	}
}

func TestApply_RetiredCountsAsWicket(t *testing.T) {
	s := mustState(t, oneOverSetup())
	s, _ = mustApply(t, s, Ball{Kind: KindWicket, Striker: "l1", Bowler: "t1", Dismissal: &Dismissal{Type: Retired}})

	in := s.Current()
	assert.Equal(t, 1, in.Score.Wickets)
	assert.Equal(t, 1, in.Score.Balls)
	bat, ok := in.Batter("l1")
	require.True(t, ok)
	assert.False(t, bat.NotOut())
	bowl, ok := in.Bowler("t1")
	require.True(t, ok)
	assert.Equal(t, 0, bowl.Wickets)

	// A retired batter does not return to the crease.
	_, _, err := Apply(s, runs(1, "l1", "t1"))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "striker", ve.Field)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	s := mustState(t, oneOverSetup())
	s, _ = mustApply(t, s, runs(4, "l1", "t1"))
	snapshot := s.Clone()

	_, _ = mustApply(t, s, Ball{Kind: KindWicket, Striker: "l1", Bowler: "t1", Dismissal: &Dismissal{Type: Caught, Fielder: "t2"}})
	_, _ = mustApply(t, s, runs(6, "l1", "t1"))

	if diff := cmp.Diff(snapshot, s); diff != "" {
		t.Errorf("Apply mutated its input (-want +got):\n%s", diff)
	}
}

func TestApply_Deterministic(t *testing.T) {
	balls := []Ball{
		runs(1, "l1", "t1"),
		{Kind: KindNoBall, Striker: "l2", Bowler: "t1"},
		runs(4, "l2", "t1"),
		{Kind: KindWicket, Striker: "l2", Bowler: "t1", Dismissal: &Dismissal{Type: Caught, Fielder: "t3"}},
	}
	a, err := Replay(oneOverSetup(), balls)
	require.NoError(t, err)
	b, err := Replay(oneOverSetup(), balls)
	require.NoError(t, err)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("replay not deterministic:\n%s", diff)
	}
}

func TestReplay_ReportsFailingBall(t *testing.T) {
	_, err := Replay(oneOverSetup(), []Ball{runs(1, "l1", "t1"), runs(5, "l1", "t1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ball 1")
	assert.True(t, IsValidation(err))
}

func TestNewState_Validation(t *testing.T) {
	_, err := NewState(Setup{TeamA: "A", TeamB: "A", FirstBatting: "A"})
	assert.True(t, IsValidation(err))

	_, err = NewState(Setup{TeamA: "A", TeamB: "B", FirstBatting: "C"})
	assert.True(t, IsValidation(err))

	_, err = NewState(Setup{TeamA: "A", TeamB: "B", FirstBatting: "B", MaxWickets: 11})
	assert.True(t, IsValidation(err))

	s, err := NewState(Setup{TeamA: "A", TeamB: "B", FirstBatting: "B"})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxOvers, s.Setup.MaxOvers)
	assert.Equal(t, DefaultMaxWickets, s.Setup.MaxWickets)
	assert.Equal(t, "A", s.Current().Context.BowlingTeam)
	assert.True(t, s.Current().Context.IsFirstInnings)
}

func TestApply_OpenLineupAcceptsAnyPlayer(t *testing.T) {
	s := mustState(t, Setup{TeamA: "A", TeamB: "B", FirstBatting: "A", MaxOvers: 2})
	s, _ = mustApply(t, s, runs(3, "anyone", "someone"))
	assert.Equal(t, 3, s.Current().Score.Runs)
}
