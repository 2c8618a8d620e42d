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

// League groups matches played under one format.
type League struct {
	ID             string   `json:"id"`
	SchemaVersion  int      `json:"schemaVersion"`
	Name           string   `json:"name"`
	Format         string   `json:"format"`
	Overs          int      `json:"overs"`
	PowerPlayOvers []int    `json:"powerPlayOvers,omitempty"`
	MaxTeamCount   int      `json:"maxTeamCount,omitempty"`
	TeamIDs        []string `json:"teamIds,omitempty"`
	StartDate      string   `json:"startDate,omitempty"`
	OwnerID        string   `json:"ownerId"`
	UpdatedAt      int64    `json:"updatedAt,omitempty"`

	// Status is upcoming, ongoing, completed or deleted.
	Status    string `json:"status"`
	DeletedAt int64  `json:"deletedAt,omitempty"`

	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (l *League) docID() string { return l.ID }

func (l *League) normalize() {
	if l.SchemaVersion == 0 {
		l.SchemaVersion = CurrentSchemaVersion
	}
	if l.Format == "" {
		l.Format = FormatT20
	}
	if l.Overs == 0 {
		l.Overs = formatOvers[l.Format]
	}
	if l.Status == "" {
		l.Status = StatusUpcoming
	}
	if l.TeamIDs == nil {
		l.TeamIDs = make([]string, 0)
	}
}

// LeagueMetadata contains only the fields needed for indexing.
type LeagueMetadata struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Format    string `json:"format"`
	StartDate string `json:"startDate"`
	OwnerID   string `json:"ownerId"`
	Status    string `json:"status"`
	DeletedAt int64  `json:"deletedAt"`
}

// Metadata returns the indexable subset of the league.
func (l *League) Metadata() LeagueMetadata {
	return LeagueMetadata{
		ID:        l.ID,
		Name:      l.Name,
		Format:    l.Format,
		StartDate: l.StartDate,
		OwnerID:   l.OwnerID,
		Status:    l.Status,
		DeletedAt: l.DeletedAt,
	}
}

// LeagueStore manages league persistence to disk.
type LeagueStore struct {
	docs *docStore[League, *League]
}

// NewLeagueStore creates a new LeagueStore.
func NewLeagueStore(dataDir string, s *storage.Storage) *LeagueStore {
	return &LeagueStore{docs: newDocStore[League](dataDir, "leagues", s)}
}

// SaveLeague writes the league to disk.
func (ls *LeagueStore) SaveLeague(l *League) error {
	return ls.docs.save(l)
}

// LoadLeague loads a league by id. It returns os.ErrNotExist for unknown ids.
func (ls *LeagueStore) LoadLeague(id string) (*League, error) {
	l, err := ls.docs.load(id)
	if err != nil {
		return nil, err
	}
	if l.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("league %s has unsupported schema version %d", id, l.SchemaVersion)
	}
	return l, nil
}

// DeleteLeague replaces the league with a tombstone.
func (ls *LeagueStore) DeleteLeague(id string) error {
	l, err := ls.LoadLeague(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return ls.SaveLeague(&League{
		ID:            id,
		SchemaVersion: CurrentSchemaVersion,
		OwnerID:       l.OwnerID,
		Status:        StatusDeleted,
		DeletedAt:     time.Now().UnixNano(),
		LastRaftIndex: l.LastRaftIndex,
	})
}

// PurgeLeague permanently deletes the league file.
func (ls *LeagueStore) PurgeLeague(id string) error {
	return ls.docs.purge(id)
}

// ListAllLeagues yields every league on disk, tombstones included.
func (ls *LeagueStore) ListAllLeagues() iter.Seq2[*League, error] {
	return ls.docs.all()
}
