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
	"fmt"
	"slices"
)

var validRuns = []int{0, 1, 2, 3, 4, 6}

// NewState starts the first innings of a match.
func NewState(setup Setup) (State, error) {
	setup = setup.withDefaults()
	if err := setup.validate(); err != nil {
		return State{}, err
	}
	s := State{
		Phase: FirstInnings,
		Setup: setup,
		Innings: []Innings{{
			Context: InningsContext{
				BattingTeam:    setup.FirstBatting,
				BowlingTeam:    setup.opponent(setup.FirstBatting),
				IsFirstInnings: true,
				MaxOvers:       setup.MaxOvers,
				MaxWickets:     setup.MaxWickets,
			},
		}},
	}
	return s.Clone(), nil
}

// Apply returns the state after ball b. The returned Result is non-nil only
// on the ball that completes the match. On error the input state is the
// current state; nothing is partially applied.
func Apply(s State, b Ball) (State, *Result, error) {
	if err := validateBall(s, b); err != nil {
		return s, nil, err
	}
	next := s.Clone()
	in := &next.Innings[len(next.Innings)-1]

	striker := in.batter(b.Striker)
	bowler := in.bowler(b.Bowler)

	switch b.Kind {
	case KindRuns:
		in.Score.Runs += b.Runs
		in.Score.addLegalBall()
		striker.Runs += b.Runs
		striker.BallsFaced++
		switch b.Runs {
		case 4:
			striker.Fours++
		case 6:
			striker.Sixes++
		}
		bowler.Balls++
		bowler.RunsConceded += b.Runs
		if b.Runs == 0 {
			bowler.Dots++
		}

	case KindWide, KindNoBall:
		extras := b.Extras
		if extras == 0 {
			extras = 1
		}
		in.Score.Runs += extras
		in.Extras.Total += extras
		bowler.RunsConceded += extras
		if b.Kind == KindWide {
			in.Extras.Wides += extras
			bowler.Wides++
		} else {
			in.Extras.NoBalls += extras
			bowler.NoBalls++
		}

	case KindWicket:
		d := *b.Dismissal
		if d.Bowler == "" {
			d.Bowler = b.Bowler
		}
		in.Score.Wickets++
		in.Score.addLegalBall()
		striker.BallsFaced++
		striker.Dismissal = &d
		bowler.Balls++
		if d.Type.creditsBowler() {
			in.bowler(d.Bowler).Wickets++
		}
		if d.Type.creditsFielder() && d.Fielder != "" {
			f := in.fielder(d.Fielder)
			switch d.Type {
			case Caught:
				f.Catches++
			case RunOut:
				f.RunOuts++
			case Stumped:
				f.Stumpings++
			}
		}
		in.FallOfWickets = append(in.FallOfWickets, FallOfWicket{
			Wicket:    in.Score.Wickets,
			Runs:      in.Score.Runs,
			Over:      in.Score.OversString(),
			PlayerOut: b.Striker,
			Bowler:    d.Bowler,
			Type:      d.Type,
		})
	}

	ctx := in.Context
	if !ctx.IsFirstInnings && in.Score.Runs >= ctx.Target {
		left := ctx.MaxWickets - in.Score.Wickets
		next.complete(&Result{
			Outcome:     OutcomeWon,
			Winner:      ctx.BattingTeam,
			Margin:      left,
			MarginType:  MarginWickets,
			Description: describe(ctx.BattingTeam, left, "wicket"),
		})
		return next, next.Result, nil
	}
	if in.Score.Overs >= ctx.MaxOvers || in.Score.Wickets >= ctx.MaxWickets {
		res := next.closeInnings()
		return next, res, nil
	}
	return next, nil, nil
}

// EndInnings closes the current innings early, as if its overs had run out.
func EndInnings(s State) (State, *Result, error) {
	if s.Phase == Completed {
		return s, nil, &ValidationError{Field: "phase", Reason: "match already completed", Err: ErrMatchCompleted}
	}
	if len(s.Innings) == 0 {
		return s, nil, invalid("innings", "match has not started")
	}
	next := s.Clone()
	res := next.closeInnings()
	return next, res, nil
}

// Replay folds balls over a fresh state for setup.
func Replay(setup Setup, balls []Ball) (State, error) {
	s, err := NewState(setup)
	if err != nil {
		return State{}, err
	}
	for i, b := range balls {
		if s, _, err = Apply(s, b); err != nil {
			return s, fmt.Errorf("ball %d: %w", i, err)
		}
	}
	return s, nil
}

// closeInnings moves first innings to second, or second to completed.
func (s *State) closeInnings() *Result {
	cur := s.Innings[len(s.Innings)-1]
	ctx := cur.Context
	if ctx.IsFirstInnings {
		s.Phase = SecondInnings
		s.Innings = append(s.Innings, Innings{
			Context: InningsContext{
				BattingTeam: ctx.BowlingTeam,
				BowlingTeam: ctx.BattingTeam,
				Target:      cur.Score.Runs + 1,
				MaxOvers:    ctx.MaxOvers,
				MaxWickets:  ctx.MaxWickets,
			},
		})
		return nil
	}
	runs := cur.Score.Runs
	if runs == ctx.Target-1 {
		s.complete(&Result{Outcome: OutcomeTie, Description: "Match tied"})
		return s.Result
	}
	margin := ctx.Target - runs
	s.complete(&Result{
		Outcome:     OutcomeWon,
		Winner:      ctx.BowlingTeam,
		Margin:      margin,
		MarginType:  MarginRuns,
		Description: describe(ctx.BowlingTeam, margin, "run"),
	})
	return s.Result
}

func (s *State) complete(r *Result) {
	s.Phase = Completed
	s.Result = r
}

func describe(team string, n int, unit string) string {
	if n != 1 {
		unit += "s"
	}
	return fmt.Sprintf("%s won by %d %s", team, n, unit)
}

func validateBall(s State, b Ball) error {
	if s.Phase == Completed {
		return &ValidationError{Field: "phase", Reason: "match already completed", Err: ErrMatchCompleted}
	}
	if len(s.Innings) == 0 {
		return invalid("innings", "match has not started")
	}
	ctx := s.Current().Context
	if b.Striker == "" {
		return invalid("striker", "missing striker")
	}
	if b.Bowler == "" {
		return invalid("bowler", "missing bowler")
	}
	if b.Striker == b.Bowler {
		return invalid("bowler", "bowler cannot be the striker")
	}
	if !s.Setup.inLineup(ctx.BattingTeam, b.Striker) {
		return invalid("striker", fmt.Sprintf("unknown player %q for %s", b.Striker, ctx.BattingTeam))
	}
	if !s.Setup.inLineup(ctx.BowlingTeam, b.Bowler) {
		return invalid("bowler", fmt.Sprintf("unknown player %q for %s", b.Bowler, ctx.BowlingTeam))
	}
	if line, ok := s.Current().Batter(b.Striker); ok && !line.NotOut() {
		return invalid("striker", fmt.Sprintf("player %q is already out", b.Striker))
	}

	switch b.Kind {
	case KindRuns:
		if !slices.Contains(validRuns, b.Runs) {
			return invalid("runs", fmt.Sprintf("%d is not one of 0,1,2,3,4,6", b.Runs))
		}
		if b.Extras != 0 || b.Dismissal != nil {
			return invalid("ball", "runs ball carries extras or dismissal")
		}
	case KindWide, KindNoBall:
		if b.Extras < 0 || b.Extras > MaxExtraRuns {
			return invalid("extras", fmt.Sprintf("%d is outside 1..%d", b.Extras, MaxExtraRuns))
		}
		if b.Runs != 0 || b.Dismissal != nil {
			return invalid("ball", "extra carries runs or dismissal")
		}
	case KindWicket:
		if b.Dismissal == nil {
			return invalid("dismissal", "wicket without dismissal")
		}
		if !b.Dismissal.Type.valid() {
			return invalid("dismissal", fmt.Sprintf("unknown dismissal type %q", b.Dismissal.Type))
		}
		if b.Runs != 0 || b.Extras != 0 {
			return invalid("ball", "wicket carries runs")
		}
		if d := b.Dismissal.Bowler; d != "" && !s.Setup.inLineup(ctx.BowlingTeam, d) {
			return invalid("dismissal", fmt.Sprintf("unknown bowler %q", d))
		}
		if f := b.Dismissal.Fielder; f != "" && !s.Setup.inLineup(ctx.BowlingTeam, f) {
			return invalid("dismissal", fmt.Sprintf("unknown fielder %q", f))
		}
	default:
		return invalid("kind", fmt.Sprintf("unknown ball kind %q", b.Kind))
	}
	return nil
}
