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
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

// dismissalText renders a dismissal the way it appears on a scorecard.
func dismissalText(d *scoring.Dismissal) string {
	if d == nil {
		return "not out"
	}
	switch d.Type {
	case scoring.Bowled:
		return "b " + d.Bowler
	case scoring.LBW:
		return "lbw b " + d.Bowler
	case scoring.Caught:
		if d.Fielder == d.Bowler {
			return "c & b " + d.Bowler
		}
		return fmt.Sprintf("c %s b %s", d.Fielder, d.Bowler)
	case scoring.Stumped:
		return fmt.Sprintf("st %s b %s", d.Fielder, d.Bowler)
	case scoring.RunOut:
		if d.Fielder == "" {
			return "run out"
		}
		return fmt.Sprintf("run out (%s)", d.Fielder)
	case scoring.HitWicket:
		return "hit wicket b " + d.Bowler
	case scoring.Retired:
		return "retired"
	}
	return string(d.Type)
}

// WriteScorecard writes a plain text scorecard of m.
func WriteScorecard(out io.Writer, m *Match) error {
	w := bufio.NewWriter(out)
	fmt.Fprintf(w, "%s v %s\n", m.TeamA.Name, m.TeamB.Name)
	if m.Venue != "" {
		fmt.Fprintf(w, "Venue: %s\n", m.Venue)
	}
	if m.Date != "" {
		fmt.Fprintf(w, "Date: %s\n", m.Date)
	}
	if m.Toss != nil {
		fmt.Fprintf(w, "Toss: %s, chose to %s\n", m.Toss.Winner, m.Toss.Decision)
	}
	if m.Score == nil {
		fmt.Fprintf(w, "\nStatus: %s\n", m.Status)
		return w.Flush()
	}
	for _, in := range m.Score.Innings {
		writeInnings(w, in)
	}
	if r := m.Result(); r != nil {
		fmt.Fprintf(w, "\nResult: %s\n", r.Description)
	} else {
		fmt.Fprintf(w, "\nStatus: %s\n", m.Status)
	}
	return w.Flush()
}

func writeInnings(w io.Writer, in scoring.Innings) {
	ctx := in.Context
	fmt.Fprintf(w, "\n%s innings  %d/%d (%s ov)", ctx.BattingTeam, in.Score.Runs, in.Score.Wickets, in.Score.OversString())
	if ctx.Target > 0 {
		fmt.Fprintf(w, "  target %d", ctx.Target)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-12s %-24s %4s %4s %3s %3s %7s\n", "Batter", "", "R", "B", "4s", "6s", "SR")
	for _, b := range in.Batting {
		fmt.Fprintf(w, "%-12s %-24s %4d %4d %3d %3d %7.2f\n",
			b.PlayerID, dismissalText(b.Dismissal), b.Runs, b.BallsFaced, b.Fours, b.Sixes, b.StrikeRate())
	}
	fmt.Fprintf(w, "Extras %d (w %d, nb %d)\n", in.Extras.Total, in.Extras.Wides, in.Extras.NoBalls)

	if len(in.FallOfWickets) > 0 {
		parts := make([]string, 0, len(in.FallOfWickets))
		for _, f := range in.FallOfWickets {
			parts = append(parts, fmt.Sprintf("%d-%d (%s, %s)", f.Wicket, f.Runs, f.PlayerOut, f.Over))
		}
		fmt.Fprintf(w, "Fall of wickets: %s\n", strings.Join(parts, ", "))
	}

	fmt.Fprintf(w, "%-12s %5s %4s %3s %6s\n", "Bowler", "O", "R", "W", "Econ")
	for _, b := range in.Bowling {
		fmt.Fprintf(w, "%-12s %5s %4d %3d %6.2f\n", b.PlayerID, b.OversString(), b.RunsConceded, b.Wickets, b.Economy())
	}
}
