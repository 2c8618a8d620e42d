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
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

// CareerBook folds completed matches into player career statistics.
type CareerBook struct {
	ps *PlayerStore
	mu sync.Mutex
}

// NewCareerBook creates a CareerBook backed by ps.
func NewCareerBook(ps *PlayerStore) *CareerBook {
	return &CareerBook{ps: ps}
}

// Sync brings the careers of everyone in m up to date. A completed match
// contributes its lines; any other status withdraws an earlier contribution.
// Applying the same match twice is a no-op. It returns the players that
// changed.
func (cb *CareerBook) Sync(m *Match, index uint64) ([]*Player, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	contribs := matchContributions(m)
	var changed []*Player
	var errs []error
	for _, id := range matchParticipants(m) {
		p, err := cb.ps.LoadPlayer(id)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("player %s: %w", id, err))
			}
			continue
		}
		if p.Status == StatusDeleted {
			continue
		}
		c, has := contribs[id]
		if !p.setContribution(m.ID, c, has) {
			continue
		}
		p.UpdatedAt = time.Now().UnixNano()
		if index > 0 {
			p.LastRaftIndex = index
		}
		if err := cb.ps.SavePlayer(p); err != nil {
			errs = append(errs, fmt.Errorf("player %s: %w", id, err))
			continue
		}
		log.Debug().Str("player", id).Str("match", m.ID).Bool("counted", has).Msg("career updated")
		changed = append(changed, p)
	}
	return changed, errors.Join(errs...)
}

// matchParticipants returns every player id named by the match lineups or
// its scoring lines, in a stable order.
func matchParticipants(m *Match) []string {
	seen := make(map[string]bool)
	for _, id := range m.TeamA.Players {
		seen[id] = true
	}
	for _, id := range m.TeamB.Players {
		seen[id] = true
	}
	if m.Score != nil {
		for _, in := range m.Score.Innings {
			for _, b := range in.Batting {
				seen[b.PlayerID] = true
			}
			for _, b := range in.Bowling {
				seen[b.PlayerID] = true
			}
			for _, f := range in.Fielding {
				seen[f.PlayerID] = true
			}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// matchContributions returns each participant's share of a completed match,
// or nil when the match is not completed.
func matchContributions(m *Match) map[string]MatchContribution {
	if m.Status != StatusCompleted || m.Score == nil || m.Score.Phase != scoring.Completed {
		return nil
	}
	out := make(map[string]MatchContribution)
	for _, id := range matchParticipants(m) {
		out[id] = MatchContribution{}
	}
	for _, in := range m.Score.Innings {
		for _, b := range in.Batting {
			c := out[b.PlayerID]
			c.Batted = true
			c.Out = c.Out || !b.NotOut()
			c.Runs += b.Runs
			c.BallsFaced += b.BallsFaced
			c.Fours += b.Fours
			c.Sixes += b.Sixes
			out[b.PlayerID] = c
		}
		for _, b := range in.Bowling {
			c := out[b.PlayerID]
			c.BallsBowled += b.Balls
			c.RunsConceded += b.RunsConceded
			c.Wickets += b.Wickets
			out[b.PlayerID] = c
		}
		for _, f := range in.Fielding {
			c := out[f.PlayerID]
			c.Catches += f.Catches
			c.RunOuts += f.RunOuts
			c.Stumpings += f.Stumpings
			out[f.PlayerID] = c
		}
	}
	return out
}

// setContribution records or withdraws the contribution of one match and
// reports whether anything changed.
func (p *Player) setContribution(matchID string, c MatchContribution, present bool) bool {
	old, had := p.Contributions[matchID]
	switch {
	case present && had && old == c:
		return false
	case !present && !had:
		return false
	case present:
		p.Contributions[matchID] = c
	default:
		delete(p.Contributions, matchID)
	}
	p.recomputeCareer()
	return true
}

// recomputeCareer derives CareerStats from Contributions.
func (p *Player) recomputeCareer() {
	ids := slices.Sorted(maps.Keys(p.Contributions))
	cs := CareerStats{MatchIDs: ids, Matches: len(ids)}
	outs := 0
	bestW, bestR, haveBest := 0, 0, false
	for _, id := range ids {
		c := p.Contributions[id]
		if c.Batted {
			cs.Innings++
			if c.Out {
				outs++
			} else {
				cs.NotOuts++
			}
		}
		cs.TotalRuns += c.Runs
		cs.TotalBallsFaced += c.BallsFaced
		cs.TotalFours += c.Fours
		cs.TotalSixes += c.Sixes
		cs.HighestScore = max(cs.HighestScore, c.Runs)

		cs.TotalWickets += c.Wickets
		cs.TotalBallsBowled += c.BallsBowled
		cs.TotalRunsConceded += c.RunsConceded
		if c.BallsBowled > 0 && (!haveBest || c.Wickets > bestW || (c.Wickets == bestW && c.RunsConceded < bestR)) {
			bestW, bestR, haveBest = c.Wickets, c.RunsConceded, true
		}

		cs.TotalCatches += c.Catches
		cs.TotalRunouts += c.RunOuts
		cs.TotalStumpings += c.Stumpings
	}
	if outs > 0 {
		cs.Average = float64(cs.TotalRuns) / float64(outs)
	}
	if cs.TotalBallsFaced > 0 {
		cs.StrikeRate = float64(cs.TotalRuns) / float64(cs.TotalBallsFaced) * 100
	}
	if cs.TotalWickets > 0 {
		cs.BowlingAverage = float64(cs.TotalRunsConceded) / float64(cs.TotalWickets)
	}
	if cs.TotalBallsBowled > 0 {
		cs.BowlingEconomy = float64(cs.TotalRunsConceded) / (float64(cs.TotalBallsBowled) / scoring.BallsPerOver)
	}
	cs.TotalOvers = fmt.Sprintf("%d.%d", cs.TotalBallsBowled/scoring.BallsPerOver, cs.TotalBallsBowled%scoring.BallsPerOver)
	cs.BestBowling = fmt.Sprintf("%d/%d", bestW, bestR)
	p.CareerStats = cs
}
