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

// TeamRoles defines the members of a team by their role.
type TeamRoles struct {
	Admins       []string `json:"admins"`
	Scorekeepers []string `json:"scorekeepers"`
	Spectators   []string `json:"spectators"`
}

func (r *TeamRoles) normalize() {
	if r.Admins == nil {
		r.Admins = make([]string, 0)
	}
	if r.Scorekeepers == nil {
		r.Scorekeepers = make([]string, 0)
	}
	if r.Spectators == nil {
		r.Spectators = make([]string, 0)
	}
}

// Team is a persistent squad and the people allowed to manage it.
type Team struct {
	ID            string    `json:"id"`
	SchemaVersion int       `json:"schemaVersion"`
	Name          string    `json:"name,omitempty"`
	ShortName     string    `json:"shortName,omitempty"`
	PlayerIDs     []string  `json:"playerIds,omitempty"`
	OwnerID       string    `json:"ownerId"`
	Roles         TeamRoles `json:"roles"`
	UpdatedAt     int64     `json:"updatedAt,omitempty"`

	// Status is empty for active teams or "deleted".
	Status    string `json:"status,omitempty"`
	DeletedAt int64  `json:"deletedAt,omitempty"`

	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (t *Team) docID() string { return t.ID }

func (t *Team) normalize() {
	if t.SchemaVersion == 0 {
		t.SchemaVersion = CurrentSchemaVersion
	}
	if t.PlayerIDs == nil {
		t.PlayerIDs = make([]string, 0)
	}
	t.Roles.normalize()
}

// TeamMetadata contains only the fields needed for indexing.
type TeamMetadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	Roles     TeamRoles `json:"roles"`
	UpdatedAt int64     `json:"updatedAt"`
	Status    string    `json:"status"`
	DeletedAt int64     `json:"deletedAt"`
}

// Metadata returns the indexable subset of the team.
func (t *Team) Metadata() TeamMetadata {
	return TeamMetadata{
		ID:        t.ID,
		Name:      t.Name,
		OwnerID:   t.OwnerID,
		Roles:     t.Roles,
		UpdatedAt: t.UpdatedAt,
		Status:    t.Status,
		DeletedAt: t.DeletedAt,
	}
}

// TeamStore manages team persistence to disk.
type TeamStore struct {
	docs *docStore[Team, *Team]
}

// NewTeamStore creates a new TeamStore.
func NewTeamStore(dataDir string, s *storage.Storage) *TeamStore {
	return &TeamStore{docs: newDocStore[Team](dataDir, "teams", s)}
}

// SaveTeam writes the team to disk.
func (ts *TeamStore) SaveTeam(t *Team) error {
	return ts.docs.save(t)
}

// LoadTeam loads a team by id. It returns os.ErrNotExist for unknown ids.
func (ts *TeamStore) LoadTeam(id string) (*Team, error) {
	t, err := ts.docs.load(id)
	if err != nil {
		return nil, err
	}
	if t.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("team %s has unsupported schema version %d", id, t.SchemaVersion)
	}
	return t, nil
}

// DeleteTeam replaces the team with a tombstone.
func (ts *TeamStore) DeleteTeam(id string) error {
	t, err := ts.LoadTeam(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return ts.SaveTeam(&Team{
		ID:            id,
		SchemaVersion: CurrentSchemaVersion,
		OwnerID:       t.OwnerID,
		Status:        StatusDeleted,
		DeletedAt:     time.Now().UnixNano(),
		LastRaftIndex: t.LastRaftIndex,
	})
}

// PurgeTeam permanently deletes the team file.
func (ts *TeamStore) PurgeTeam(id string) error {
	return ts.docs.purge(id)
}

// ListAllTeams yields every team on disk, tombstones included.
func (ts *TeamStore) ListAllTeams() iter.Seq2[*Team, error] {
	return ts.docs.all()
}

// ListAllTeamMetadata yields metadata for every team.
func (ts *TeamStore) ListAllTeamMetadata() iter.Seq2[TeamMetadata, error] {
	return func(yield func(TeamMetadata, error) bool) {
		for t, err := range ts.docs.all() {
			if err != nil {
				yield(TeamMetadata{}, err)
				return
			}
			if !yield(t.Metadata(), nil) {
				return
			}
		}
	}
}
