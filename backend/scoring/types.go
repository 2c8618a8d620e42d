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

// Package scoring turns ball events into cricket score, innings and match
// result state. Everything in this package is pure: functions take a State
// by value and return a new one without touching the input.
package scoring

import (
	"fmt"
	"maps"
	"slices"
)

// BallsPerOver is the number of legal deliveries in an over.
const BallsPerOver = 6

// Defaults applied by Setup when a limit is left at zero.
const (
	DefaultMaxOvers   = 20
	DefaultMaxWickets = 10
	MaxExtraRuns      = 7
)

// Kind identifies the variant of a Ball.
type Kind string

const (
	KindRuns   Kind = "runs"
	KindWide   Kind = "wide"
	KindNoBall Kind = "noball"
	KindWicket Kind = "wicket"
)

// DismissalType is the way a batter got out.
type DismissalType string

const (
	Bowled    DismissalType = "bowled"
	LBW       DismissalType = "lbw"
	Caught    DismissalType = "caught"
	RunOut    DismissalType = "runOut"
	Stumped   DismissalType = "stumped"
	HitWicket DismissalType = "hitWicket"
	Retired   DismissalType = "retired"
)

// creditsBowler reports whether the bowler is awarded the wicket.
func (d DismissalType) creditsBowler() bool {
	switch d {
	case Bowled, LBW, Caught, Stumped, HitWicket:
		return true
	}
	return false
}

// creditsFielder reports whether a fielder is involved in the dismissal.
func (d DismissalType) creditsFielder() bool {
	switch d {
	case Caught, RunOut, Stumped:
		return true
	}
	return false
}

func (d DismissalType) valid() bool {
	return d.creditsBowler() || d.creditsFielder() || d == Retired
}

// Dismissal describes a wicket.
type Dismissal struct {
	Type DismissalType `json:"type"`
	// Bowler is credited with the wicket. Empty means the bowler of the ball.
	Bowler  string `json:"bowler,omitempty"`
	Fielder string `json:"fielder,omitempty"`
}

// Ball is a single delivery event. Kind selects which fields apply:
// Runs for KindRuns, Extras for KindWide and KindNoBall, Dismissal for
// KindWicket. Extras of zero means the standard one-run penalty.
type Ball struct {
	Kind      Kind       `json:"kind"`
	Runs      int        `json:"runs,omitempty"`
	Extras    int        `json:"extras,omitempty"`
	Striker   string     `json:"striker"`
	Bowler    string     `json:"bowler"`
	Dismissal *Dismissal `json:"dismissal,omitempty"`
}

// Score is the running total of an innings.
type Score struct {
	Runs    int `json:"runs"`
	Wickets int `json:"wickets"`
	Overs   int `json:"overs"`
	Balls   int `json:"balls"`
}

// LegalBalls returns the number of legal deliveries bowled.
func (s Score) LegalBalls() int {
	return s.Overs*BallsPerOver + s.Balls
}

// OversString formats the over count the way scorers write it, e.g. "4.3".
func (s Score) OversString() string {
	return fmt.Sprintf("%d.%d", s.Overs, s.Balls)
}

func (s *Score) addLegalBall() {
	s.Balls++
	if s.Balls == BallsPerOver {
		s.Balls = 0
		s.Overs++
	}
}

// InningsContext holds the fixed parameters of an innings.
type InningsContext struct {
	BattingTeam    string `json:"battingTeam"`
	BowlingTeam    string `json:"bowlingTeam"`
	IsFirstInnings bool   `json:"isFirstInnings"`
	// Target is the score the batting side must reach. Zero in the first innings.
	Target     int `json:"target,omitempty"`
	MaxOvers   int `json:"maxOvers"`
	MaxWickets int `json:"maxWickets"`
}

// Extras is the tally of runs not credited to a batter.
type Extras struct {
	Wides   int `json:"wides"`
	NoBalls int `json:"noBalls"`
	Total   int `json:"total"`
}

// FallOfWicket records the score when a wicket fell.
type FallOfWicket struct {
	Wicket    int           `json:"wicket"`
	Runs      int           `json:"runs"`
	Over      string        `json:"over"`
	PlayerOut string        `json:"playerOut"`
	Bowler    string        `json:"bowler"`
	Type      DismissalType `json:"type"`
}

// Innings is one team's turn at batting.
type Innings struct {
	Context       InningsContext `json:"context"`
	Score         Score          `json:"score"`
	Extras        Extras         `json:"extras"`
	Batting       []BattingLine  `json:"batting"`
	Bowling       []BowlingLine  `json:"bowling"`
	Fielding      []FieldingLine `json:"fielding,omitempty"`
	FallOfWickets []FallOfWicket `json:"fallOfWickets,omitempty"`
}

func (in Innings) clone() Innings {
	in.Batting = slices.Clone(in.Batting)
	in.Bowling = slices.Clone(in.Bowling)
	in.Fielding = slices.Clone(in.Fielding)
	in.FallOfWickets = slices.Clone(in.FallOfWickets)
	for i := range in.Batting {
		if d := in.Batting[i].Dismissal; d != nil {
			c := *d
			in.Batting[i].Dismissal = &c
		}
	}
	return in
}

// Phase is the state of the match state machine.
type Phase string

const (
	FirstInnings  Phase = "firstInnings"
	SecondInnings Phase = "secondInnings"
	Completed     Phase = "completed"
)

// Outcome distinguishes a decided match from a tie.
type Outcome string

const (
	OutcomeWon Outcome = "won"
	OutcomeTie Outcome = "tie"
)

// MarginType says what the margin of victory counts.
type MarginType string

const (
	MarginRuns    MarginType = "runs"
	MarginWickets MarginType = "wickets"
)

// Result is produced once, when the match completes.
type Result struct {
	Outcome     Outcome    `json:"outcome"`
	Winner      string     `json:"winner,omitempty"`
	Margin      int        `json:"margin"`
	MarginType  MarginType `json:"marginType,omitempty"`
	Description string     `json:"description"`
}

// Setup describes a match before the first ball.
type Setup struct {
	TeamA        string `json:"teamA"`
	TeamB        string `json:"teamB"`
	FirstBatting string `json:"firstBatting"`
	MaxOvers     int    `json:"maxOvers"`
	MaxWickets   int    `json:"maxWickets"`
	// Lineups maps a team to its eligible player ids. A team without an
	// entry accepts any non-empty player id.
	Lineups map[string][]string `json:"lineups,omitempty"`
}

func (s Setup) withDefaults() Setup {
	if s.MaxOvers == 0 {
		s.MaxOvers = DefaultMaxOvers
	}
	if s.MaxWickets == 0 {
		s.MaxWickets = DefaultMaxWickets
	}
	return s
}

func (s Setup) validate() error {
	switch {
	case s.TeamA == "" || s.TeamB == "":
		return invalid("teams", "both teams are required")
	case s.TeamA == s.TeamB:
		return invalid("teams", "teams must differ")
	case s.FirstBatting != s.TeamA && s.FirstBatting != s.TeamB:
		return invalid("firstBatting", "must be one of the two teams")
	case s.MaxOvers < 1:
		return invalid("maxOvers", "must be at least 1")
	case s.MaxWickets < 1 || s.MaxWickets > DefaultMaxWickets:
		return invalid("maxWickets", "must be between 1 and 10")
	}
	return nil
}

func (s Setup) opponent(team string) string {
	if team == s.TeamA {
		return s.TeamB
	}
	return s.TeamA
}

func (s Setup) inLineup(team, player string) bool {
	ids, ok := s.Lineups[team]
	if !ok {
		return true
	}
	return slices.Contains(ids, player)
}

// State is the full scoring state of a match.
type State struct {
	Phase   Phase     `json:"phase"`
	Setup   Setup     `json:"setup"`
	Innings []Innings `json:"innings"`
	Result  *Result   `json:"result,omitempty"`
}

// Current returns the innings in progress, or the last one once completed.
func (s State) Current() Innings {
	if len(s.Innings) == 0 {
		return Innings{}
	}
	return s.Innings[len(s.Innings)-1]
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := s
	out.Innings = make([]Innings, len(s.Innings))
	for i, in := range s.Innings {
		out.Innings[i] = in.clone()
	}
	if s.Setup.Lineups != nil {
		out.Setup.Lineups = maps.Clone(s.Setup.Lineups)
		for k, v := range out.Setup.Lineups {
			out.Setup.Lineups[k] = slices.Clone(v)
		}
	}
	if s.Result != nil {
		r := *s.Result
		out.Result = &r
	}
	return out
}
