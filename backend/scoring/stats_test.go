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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBattingLine_StrikeRate(t *testing.T) {
	assert.Equal(t, 0.0, BattingLine{}.StrikeRate())
	assert.Equal(t, 150.0, BattingLine{Runs: 6, BallsFaced: 4}.StrikeRate())
}

func TestBowlingLine_Economy(t *testing.T) {
	assert.Equal(t, 0.0, BowlingLine{RunsConceded: 2}.Economy())
	assert.Equal(t, 7.5, BowlingLine{Balls: 12, RunsConceded: 15}.Economy())
	assert.Equal(t, "2.0", BowlingLine{Balls: 12}.OversString())
	assert.Equal(t, "0.5", BowlingLine{Balls: 5}.OversString())
}

func TestStats_AccumulateOverBalls(t *testing.T) {
	setup := oneOverSetup()
	setup.MaxOvers = 3
	s, err := Replay(setup, []Ball{
		runs(4, "l1", "t1"),
		runs(6, "l1", "t1"),
		runs(0, "l1", "t1"),
		{Kind: KindWide, Extras: 2, Striker: "l1", Bowler: "t1"},
		runs(1, "l1", "t1"),
		runs(2, "l2", "t1"),
		runs(4, "l2", "t1"),
		runs(0, "l2", "t2"),
	})
	require.NoError(t, err)
	in := s.Current()

	l1, ok := in.Batter("l1")
	require.True(t, ok)
	assert.Equal(t, BattingLine{PlayerID: "l1", Runs: 11, BallsFaced: 4, Fours: 1, Sixes: 1}, l1)
	assert.InDelta(t, 275.0, l1.StrikeRate(), 0.001)
	assert.True(t, l1.NotOut())

	l2, _ := in.Batter("l2")
	assert.Equal(t, 6, l2.Runs)
	assert.Equal(t, 3, l2.BallsFaced)
	assert.Equal(t, 1, l2.Fours)

	t1, _ := in.Bowler("t1")
	assert.Equal(t, BowlingLine{PlayerID: "t1", Balls: 6, RunsConceded: 19, Wides: 1, Dots: 1}, t1)
	assert.InDelta(t, 19.0, t1.Economy(), 0.001)

	t2, _ := in.Bowler("t2")
	assert.Equal(t, 1, t2.Balls)
	assert.Equal(t, 1, t2.Dots)

	assert.Equal(t, Score{Runs: 19, Overs: 1, Balls: 1}, in.Score)
	assert.Equal(t, []string{"l1", "l2"}, []string{in.Batting[0].PlayerID, in.Batting[1].PlayerID})
}
