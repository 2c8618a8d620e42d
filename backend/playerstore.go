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
	"fmt"
	"iter"
	"os"
	"time"

	"github.com/c2FmZQ/storage"
)

// CareerStats are totals over every completed match a player took part in.
// They are recomputed from Contributions and never edited directly.
type CareerStats struct {
	Matches         int     `json:"matches"`
	Innings         int     `json:"innings"`
	NotOuts         int     `json:"notOuts"`
	TotalRuns       int     `json:"totalRuns"`
	TotalBallsFaced int     `json:"totalBallsFaced"`
	TotalFours      int     `json:"totalFours"`
	TotalSixes      int     `json:"totalSixes"`
	HighestScore    int     `json:"highestScore"`
	Average         float64 `json:"average"`
	StrikeRate      float64 `json:"strikeRate"`

	TotalWickets      int     `json:"totalWickets"`
	TotalBallsBowled  int     `json:"totalBallsBowled"`
	TotalOvers        string  `json:"totalOvers"`
	TotalRunsConceded int     `json:"totalRunsConceded"`
	BestBowling       string  `json:"bestBowling"`
	BowlingAverage    float64 `json:"bowlingAverage"`
	BowlingEconomy    float64 `json:"bowlingEconomy"`

	TotalCatches   int `json:"totalCatches"`
	TotalRunouts   int `json:"totalRunouts"`
	TotalStumpings int `json:"totalStumpings"`

	MatchIDs []string `json:"matchIds"`
}

// MatchContribution is what one completed match added to a career.
type MatchContribution struct {
	Batted       bool `json:"batted,omitempty"`
	Out          bool `json:"out,omitempty"`
	Runs         int  `json:"runs,omitempty"`
	BallsFaced   int  `json:"ballsFaced,omitempty"`
	Fours        int  `json:"fours,omitempty"`
	Sixes        int  `json:"sixes,omitempty"`
	BallsBowled  int  `json:"ballsBowled,omitempty"`
	RunsConceded int  `json:"runsConceded,omitempty"`
	Wickets      int  `json:"wickets,omitempty"`
	Catches      int  `json:"catches,omitempty"`
	RunOuts      int  `json:"runOuts,omitempty"`
	Stumpings    int  `json:"stumpings,omitempty"`
}

// Player is a registered cricketer.
type Player struct {
	ID             string `json:"id"`
	SchemaVersion  int    `json:"schemaVersion"`
	Name           string `json:"name"`
	TeamID         string `json:"teamId,omitempty"`
	Role           string `json:"role"`
	IsCaptain      bool   `json:"isCaptain,omitempty"`
	IsWicketKeeper bool   `json:"isWicketKeeper,omitempty"`
	OwnerID        string `json:"ownerId"`
	UpdatedAt      int64  `json:"updatedAt,omitempty"`

	CareerStats   CareerStats                  `json:"careerStats"`
	Contributions map[string]MatchContribution `json:"contributions,omitempty"`

	Status    string `json:"status,omitempty"`
	DeletedAt int64  `json:"deletedAt,omitempty"`

	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (p *Player) docID() string { return p.ID }

func (p *Player) normalize() {
	if p.SchemaVersion == 0 {
		p.SchemaVersion = CurrentSchemaVersion
	}
	if p.Role == "" {
		p.Role = RoleBatsman
	}
	if p.Contributions == nil {
		p.Contributions = make(map[string]MatchContribution)
	}
	if p.CareerStats.MatchIDs == nil {
		p.CareerStats.MatchIDs = make([]string, 0)
	}
	if p.CareerStats.BestBowling == "" {
		p.CareerStats.BestBowling = "0/0"
	}
	if p.CareerStats.TotalOvers == "" {
		p.CareerStats.TotalOvers = "0.0"
	}
}

// PlayerMetadata contains only the fields needed for indexing.
type PlayerMetadata struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TeamID    string `json:"teamId"`
	Role      string `json:"role"`
	OwnerID   string `json:"ownerId"`
	Status    string `json:"status"`
	DeletedAt int64  `json:"deletedAt"`
}

// Metadata returns the indexable subset of the player.
func (p *Player) Metadata() PlayerMetadata {
	return PlayerMetadata{
		ID:        p.ID,
		Name:      p.Name,
		TeamID:    p.TeamID,
		Role:      p.Role,
		OwnerID:   p.OwnerID,
		Status:    p.Status,
		DeletedAt: p.DeletedAt,
	}
}

// PlayerStore manages player persistence to disk.
type PlayerStore struct {
	docs *docStore[Player, *Player]
}

// NewPlayerStore creates a new PlayerStore.
func NewPlayerStore(dataDir string, s *storage.Storage) *PlayerStore {
	return &PlayerStore{docs: newDocStore[Player](dataDir, "players", s)}
}

// SavePlayer writes the player to disk.
func (ps *PlayerStore) SavePlayer(p *Player) error {
	return ps.docs.save(p)
}

// LoadPlayer loads a player by id. It returns os.ErrNotExist for unknown ids.
func (ps *PlayerStore) LoadPlayer(id string) (*Player, error) {
	p, err := ps.docs.load(id)
	if err != nil {
		return nil, err
	}
	if p.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("player %s has unsupported schema version %d", id, p.SchemaVersion)
	}
	return p, nil
}

// DeletePlayer replaces the player with a tombstone.
func (ps *PlayerStore) DeletePlayer(id string) error {
	p, err := ps.LoadPlayer(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return ps.SavePlayer(&Player{
		ID:            id,
		SchemaVersion: CurrentSchemaVersion,
		OwnerID:       p.OwnerID,
		Status:        StatusDeleted,
		DeletedAt:     time.Now().UnixNano(),
		LastRaftIndex: p.LastRaftIndex,
	})
}

// PurgePlayer permanently deletes the player file.
func (ps *PlayerStore) PurgePlayer(id string) error {
	return ps.docs.purge(id)
}

// ListAllPlayers yields every player on disk, tombstones included.
func (ps *PlayerStore) ListAllPlayers() iter.Seq2[*Player, error] {
	return ps.docs.all()
}
