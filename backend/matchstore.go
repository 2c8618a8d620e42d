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
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

const matchCacheSize = 1000

// MatchTeam is one side of a match.
type MatchTeam struct {
	TeamID  string   `json:"teamId,omitempty"`
	Name    string   `json:"name"`
	Players []string `json:"players,omitempty"`
}

// Toss records who won the toss and what they chose.
type Toss struct {
	Winner   string `json:"winner"`
	Decision string `json:"decision"`
}

// Permissions defines access control for a match.
type Permissions struct {
	Public string            `json:"public"` // "none", "read"
	Users  map[string]string `json:"users"`  // "email": "read"|"write"|"admin"
}

// Match is the full match document as stored on disk. Score is derived
// from ActionLog and is never edited directly.
type Match struct {
	ID            string            `json:"id"`
	SchemaVersion int               `json:"schemaVersion"`
	Date          string            `json:"date,omitempty"`
	Venue         string            `json:"venue,omitempty"`
	LeagueID      string            `json:"leagueId,omitempty"`
	TeamA         MatchTeam         `json:"teamA"`
	TeamB         MatchTeam         `json:"teamB"`
	Toss          *Toss             `json:"toss,omitempty"`
	MaxOvers      int               `json:"maxOvers"`
	MaxWickets    int               `json:"maxWickets"`
	Status        string            `json:"status"`
	OwnerID       string            `json:"ownerId"`
	Permissions   Permissions       `json:"permissions"`
	ActionLog     []json.RawMessage `json:"actionLog,omitempty"`
	Score         *scoring.State    `json:"score,omitempty"`

	// DeletedAt is the timestamp (Unix Nano) when the match was deleted.
	DeletedAt int64 `json:"deletedAt,omitempty"`

	// LastRaftIndex is the index of the last Raft log entry applied to this
	// match. Entries at or below it are skipped on replay.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (m *Match) normalize() {
	if m.SchemaVersion == 0 {
		m.SchemaVersion = CurrentSchemaVersion
	}
	if m.Permissions.Users == nil {
		m.Permissions.Users = make(map[string]string)
	}
	if m.ActionLog == nil {
		m.ActionLog = make([]json.RawMessage, 0)
	}
	if m.Status == "" {
		m.Status = StatusUpcoming
	}
}

// exists reports whether the match has been created.
func (m *Match) exists() bool {
	return len(m.ActionLog) > 0 || m.OwnerID != ""
}

// Revision is the id of the last action in the log.
func (m *Match) Revision() string {
	return getCurrentRevision(m.ActionLog)
}

// Result returns the match result once completed.
func (m *Match) Result() *scoring.Result {
	if m.Score == nil {
		return nil
	}
	return m.Score.Result
}

// team returns the side with the given name.
func (m *Match) team(name string) (MatchTeam, bool) {
	switch name {
	case m.TeamA.Name:
		return m.TeamA, true
	case m.TeamB.Name:
		return m.TeamB, true
	}
	return MatchTeam{}, false
}

// Clone returns a deep copy through JSON, the same way the document is stored.
func (m *Match) Clone() (*Match, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var c Match
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.normalize()
	return &c, nil
}

// Metadata returns the indexable subset of the match.
func (m *Match) Metadata() *MatchMetadata {
	md := &MatchMetadata{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Permissions: m.Permissions,
		Date:        m.Date,
		Venue:       m.Venue,
		LeagueID:    m.LeagueID,
		TeamA:       m.TeamA.Name,
		TeamB:       m.TeamB.Name,
		TeamAID:     m.TeamA.TeamID,
		TeamBID:     m.TeamB.TeamID,
		Status:      m.Status,
		DeletedAt:   m.DeletedAt,
	}
	if r := m.Result(); r != nil {
		md.Result = r.Description
	}
	return md
}

// MatchMetadata contains only the fields needed for indexing.
type MatchMetadata struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"ownerId"`
	Permissions Permissions `json:"permissions"`
	Date        string      `json:"date"`
	Venue       string      `json:"venue"`
	LeagueID    string      `json:"leagueId"`
	TeamA       string      `json:"teamA"`
	TeamB       string      `json:"teamB"`
	TeamAID     string      `json:"teamAId"`
	TeamBID     string      `json:"teamBId"`
	Status      string      `json:"status"`
	Result      string      `json:"result,omitempty"`
	DeletedAt   int64       `json:"deletedAt"`
}

// MatchStore manages match persistence to disk. Writes can be buffered in
// memory and flushed later; buffered matches are never evicted.
type MatchStore struct {
	DataDir string
	storage *storage.Storage
	mu      sync.Map // *sync.RWMutex per match id

	cache *lru.Cache[string, []byte] // clean matches

	dirtyMu sync.Mutex
	dirty   map[string][]byte
}

// NewMatchStore creates a new MatchStore.
func NewMatchStore(dataDir string, s *storage.Storage) *MatchStore {
	cache, _ := lru.New[string, []byte](matchCacheSize)
	return &MatchStore{
		DataDir: dataDir,
		storage: s,
		cache:   cache,
		dirty:   make(map[string][]byte),
	}
}

func (ms *MatchStore) lock(id string) *sync.RWMutex {
	m, _ := ms.mu.LoadOrStore(id, &sync.RWMutex{})
	return m.(*sync.RWMutex)
}

func matchFiles(id string) (string, string) {
	enc := url.PathEscape(id)
	return filepath.Join("matches", enc+".json"), filepath.Join("matches", enc+".meta.json")
}

// SaveMatch writes the match and its metadata sidecar to disk.
func (ms *MatchStore) SaveMatch(m *Match) error {
	mutex := ms.lock(m.ID)
	mutex.Lock()
	defer mutex.Unlock()

	filename, metaFilename := matchFiles(m.ID)
	if err := ms.storage.SaveDataFile(filename, m); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	if err := ms.storage.SaveDataFile(metaFilename, m.Metadata()); err != nil {
		log.Warn().Err(err).Str("match", m.ID).Msg("failed to save metadata sidecar")
	}

	if b, err := json.Marshal(m); err == nil {
		ms.cache.Add(m.ID, b)
	}
	ms.dirtyMu.Lock()
	delete(ms.dirty, m.ID)
	ms.dirtyMu.Unlock()
	return nil
}

// SaveMatchInMemory buffers the match. With forceSync it is written through.
func (ms *MatchStore) SaveMatchInMemory(m *Match, forceSync bool) error {
	if forceSync {
		return ms.SaveMatch(m)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ms.dirtyMu.Lock()
	ms.dirty[m.ID] = b
	ms.dirtyMu.Unlock()
	return nil
}

// Flush persists a specific match if it is dirty.
func (ms *MatchStore) Flush(id string) error {
	ms.dirtyMu.Lock()
	b, ok := ms.dirty[id]
	ms.dirtyMu.Unlock()
	if !ok {
		return nil
	}
	var m Match
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("unmarshal dirty match %s: %w", id, err)
	}
	return ms.SaveMatch(&m)
}

// FlushAll persists all dirty matches.
func (ms *MatchStore) FlushAll() error {
	for _, id := range ms.dirtyIDs() {
		if err := ms.Flush(id); err != nil {
			return fmt.Errorf("flush match %s: %w", id, err)
		}
	}
	return nil
}

func (ms *MatchStore) dirtyIDs() []string {
	ms.dirtyMu.Lock()
	defer ms.dirtyMu.Unlock()
	ids := make([]string, 0, len(ms.dirty))
	for id := range ms.dirty {
		ids = append(ids, id)
	}
	return ids
}

// LoadMatch loads a match by id. It returns os.ErrNotExist for unknown ids.
func (ms *MatchStore) LoadMatch(id string) (*Match, error) {
	ms.dirtyMu.Lock()
	b, ok := ms.dirty[id]
	ms.dirtyMu.Unlock()
	if !ok {
		b, ok = ms.cache.Get(id)
	}
	if ok {
		var m Match
		if err := json.Unmarshal(b, &m); err == nil {
			m.normalize()
			return &m, nil
		}
		ms.cache.Remove(id)
	}

	mutex := ms.lock(id)
	mutex.RLock()
	defer mutex.RUnlock()

	filename, _ := matchFiles(id)
	var m Match
	if err := ms.storage.ReadDataFile(filename, &m); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if m.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("match %s has unsupported schema version %d", id, m.SchemaVersion)
	}
	m.normalize()
	if b, err := json.Marshal(&m); err == nil {
		ms.cache.Add(id, b)
	}
	return &m, nil
}

// DeleteMatch replaces the match with a tombstone.
func (ms *MatchStore) DeleteMatch(id string) error {
	m, err := ms.LoadMatch(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	tombstone := &Match{
		ID:            id,
		SchemaVersion: CurrentSchemaVersion,
		Status:        StatusDeleted,
		OwnerID:       m.OwnerID,
		DeletedAt:     time.Now().UnixNano(),
		LastRaftIndex: m.LastRaftIndex,
	}
	return ms.SaveMatch(tombstone)
}

// PurgeMatch permanently deletes the match files.
func (ms *MatchStore) PurgeMatch(id string) error {
	mutex := ms.lock(id)
	mutex.Lock()
	defer mutex.Unlock()

	ms.cache.Remove(id)
	ms.dirtyMu.Lock()
	delete(ms.dirty, id)
	ms.dirtyMu.Unlock()

	filename, metaFilename := matchFiles(id)
	if err := os.Remove(filepath.Join(ms.DataDir, filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not purge match file: %w", err)
	}
	if err := os.Remove(filepath.Join(ms.DataDir, metaFilename)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("match", id).Msg("could not purge meta file")
	}
	return nil
}

// ListAllMatchIDs returns the ids of all matches on disk or buffered.
func (ms *MatchStore) ListAllMatchIDs() ([]string, error) {
	files, err := os.ReadDir(filepath.Join(ms.DataDir, "matches"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read matches directory: %w", err)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".meta.json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for _, id := range ms.dirtyIDs() {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ListAllMatchMetadata yields metadata for every match. Buffered matches
// take precedence over the sidecar on disk.
func (ms *MatchStore) ListAllMatchMetadata() iter.Seq2[MatchMetadata, error] {
	return func(yield func(MatchMetadata, error) bool) {
		ids, err := ms.ListAllMatchIDs()
		if err != nil {
			yield(MatchMetadata{}, err)
			return
		}
		dirty := make(map[string]bool)
		for _, id := range ms.dirtyIDs() {
			dirty[id] = true
		}
		for _, id := range ids {
			if !dirty[id] {
				_, metaFilename := matchFiles(id)
				var md MatchMetadata
				if err := ms.storage.ReadDataFile(metaFilename, &md); err == nil {
					if !yield(md, nil) {
						return
					}
					continue
				}
			}
			m, err := ms.LoadMatch(id)
			if err != nil {
				log.Warn().Err(err).Str("match", id).Msg("could not load match")
				continue
			}
			if !yield(*m.Metadata(), nil) {
				return
			}
		}
	}
}

// ListAllMatches yields every match.
func (ms *MatchStore) ListAllMatches() iter.Seq2[*Match, error] {
	return func(yield func(*Match, error) bool) {
		ids, err := ms.ListAllMatchIDs()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, id := range ids {
			m, err := ms.LoadMatch(id)
			if err != nil {
				log.Warn().Err(err).Str("match", id).Msg("could not load match")
				continue
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}
