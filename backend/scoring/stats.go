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

import "fmt"

// BattingLine is a batter's running total for one innings.
type BattingLine struct {
	PlayerID   string     `json:"playerId"`
	Runs       int        `json:"runs"`
	BallsFaced int        `json:"ballsFaced"`
	Fours      int        `json:"fours"`
	Sixes      int        `json:"sixes"`
	Dismissal  *Dismissal `json:"dismissal,omitempty"`
}

// NotOut reports whether the batter is still in.
func (b BattingLine) NotOut() bool {
	return b.Dismissal == nil
}

// StrikeRate is runs per 100 balls faced, or 0 before the first ball.
func (b BattingLine) StrikeRate() float64 {
	if b.BallsFaced == 0 {
		return 0
	}
	return float64(b.Runs) / float64(b.BallsFaced) * 100
}

// BowlingLine is a bowler's running total for one innings.
type BowlingLine struct {
	PlayerID     string `json:"playerId"`
	Balls        int    `json:"balls"`
	RunsConceded int    `json:"runsConceded"`
	Wickets      int    `json:"wickets"`
	Wides        int    `json:"wides"`
	NoBalls      int    `json:"noBalls"`
	Dots         int    `json:"dots"`
}

// Economy is runs conceded per over, or 0 before the first legal ball.
func (b BowlingLine) Economy() float64 {
	if b.Balls == 0 {
		return 0
	}
	return float64(b.RunsConceded) / (float64(b.Balls) / BallsPerOver)
}

// OversString formats the bowler's overs, e.g. "3.4".
func (b BowlingLine) OversString() string {
	return fmt.Sprintf("%d.%d", b.Balls/BallsPerOver, b.Balls%BallsPerOver)
}

// FieldingLine counts dismissals a fielder took part in.
type FieldingLine struct {
	PlayerID  string `json:"playerId"`
	Catches   int    `json:"catches"`
	RunOuts   int    `json:"runOuts"`
	Stumpings int    `json:"stumpings"`
}

func (in *Innings) batter(id string) *BattingLine {
	for i := range in.Batting {
		if in.Batting[i].PlayerID == id {
			return &in.Batting[i]
		}
	}
	in.Batting = append(in.Batting, BattingLine{PlayerID: id})
	return &in.Batting[len(in.Batting)-1]
}

func (in *Innings) bowler(id string) *BowlingLine {
	for i := range in.Bowling {
		if in.Bowling[i].PlayerID == id {
			return &in.Bowling[i]
		}
	}
	in.Bowling = append(in.Bowling, BowlingLine{PlayerID: id})
	return &in.Bowling[len(in.Bowling)-1]
}

func (in *Innings) fielder(id string) *FieldingLine {
	for i := range in.Fielding {
		if in.Fielding[i].PlayerID == id {
			return &in.Fielding[i]
		}
	}
	in.Fielding = append(in.Fielding, FieldingLine{PlayerID: id})
	return &in.Fielding[len(in.Fielding)-1]
}

// Batter returns the batting line of a player, if present.
func (in Innings) Batter(id string) (BattingLine, bool) {
	for _, b := range in.Batting {
		if b.PlayerID == id {
			return b, true
		}
	}
	return BattingLine{}, false
}

// Bowler returns the bowling line of a player, if present.
func (in Innings) Bowler(id string) (BowlingLine, bool) {
	for _, b := range in.Bowling {
		if b.PlayerID == id {
			return b, true
		}
	}
	return BowlingLine{}, false
}
