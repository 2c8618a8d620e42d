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
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/rs/zerolog/log"

	"github.com/ttbt-io/wicketkeeper/backend/search"
)

const (
	tombstoneTTL = 30 * 24 * time.Hour
	gcInterval   = 12 * time.Hour
)

// Stores groups the document stores that share one storage root.
type Stores struct {
	Matches *MatchStore
	Teams   *TeamStore
	Players *PlayerStore
	Leagues *LeagueStore
}

// NewStores creates all stores under dataDir.
func NewStores(dataDir string, s *storage.Storage) Stores {
	return Stores{
		Matches: NewMatchStore(dataDir, s),
		Teams:   NewTeamStore(dataDir, s),
		Players: NewPlayerStore(dataDir, s),
		Leagues: NewLeagueStore(dataDir, s),
	}
}

// FlushAll persists buffered writes.
func (s Stores) FlushAll() error {
	return s.Matches.FlushAll()
}

// Registry is the in-memory index of every document's metadata. It answers
// list, search and quota queries without touching disk.
type Registry struct {
	stores Stores

	mu      sync.RWMutex
	matches map[string]MatchMetadata
	teams   map[string]TeamMetadata
	players map[string]PlayerMetadata
	leagues map[string]LeagueMetadata

	accessPolicy *UserAccessPolicy

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a Registry and indexes everything in the stores.
func NewRegistry(s Stores) *Registry {
	r := &Registry{
		stores:   s,
		stopChan: make(chan struct{}),
	}
	r.Rebuild()
	return r
}

// Rebuild reconstructs the index by scanning the stores. Expired tombstones
// are purged on the way.
func (r *Registry) Rebuild() {
	cutoff := time.Now().Add(-tombstoneTTL).UnixNano()
	expired := func(status string, deletedAt int64) bool {
		return status == StatusDeleted && deletedAt > 0 && deletedAt < cutoff
	}

	matches := make(map[string]MatchMetadata)
	for md, err := range r.stores.Matches.ListAllMatchMetadata() {
		if err != nil {
			log.Error().Err(err).Msg("registry: listing matches")
			break
		}
		if expired(md.Status, md.DeletedAt) {
			r.stores.Matches.PurgeMatch(md.ID)
			continue
		}
		matches[md.ID] = md
	}
	teams := make(map[string]TeamMetadata)
	for t, err := range r.stores.Teams.ListAllTeams() {
		if err != nil {
			log.Error().Err(err).Msg("registry: listing teams")
			break
		}
		if expired(t.Status, t.DeletedAt) {
			r.stores.Teams.PurgeTeam(t.ID)
			continue
		}
		teams[t.ID] = t.Metadata()
	}
	players := make(map[string]PlayerMetadata)
	for p, err := range r.stores.Players.ListAllPlayers() {
		if err != nil {
			log.Error().Err(err).Msg("registry: listing players")
			break
		}
		if expired(p.Status, p.DeletedAt) {
			r.stores.Players.PurgePlayer(p.ID)
			continue
		}
		players[p.ID] = p.Metadata()
	}
	leagues := make(map[string]LeagueMetadata)
	for l, err := range r.stores.Leagues.ListAllLeagues() {
		if err != nil {
			log.Error().Err(err).Msg("registry: listing leagues")
			break
		}
		if expired(l.Status, l.DeletedAt) {
			r.stores.Leagues.PurgeLeague(l.ID)
			continue
		}
		leagues[l.ID] = l.Metadata()
	}

	r.mu.Lock()
	r.matches, r.teams, r.players, r.leagues = matches, teams, players, leagues
	r.mu.Unlock()
	log.Info().Int("matches", len(matches)).Int("teams", len(teams)).Int("players", len(players)).Int("leagues", len(leagues)).Msg("registry rebuilt")
}

// StartGC starts the background tombstone garbage collector.
func (r *Registry) StartGC() {
	go func() {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.PurgeOldTombstones()
			case <-r.stopChan:
				return
			}
		}
	}()
}

// StopGC stops the background tombstone garbage collector.
func (r *Registry) StopGC() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

// PurgeOldTombstones permanently deletes expired tombstones.
func (r *Registry) PurgeOldTombstones() int {
	cutoff := time.Now().Add(-tombstoneTTL).UnixNano()
	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for id, md := range r.matches {
		if md.Status == StatusDeleted && md.DeletedAt > 0 && md.DeletedAt < cutoff {
			if err := r.stores.Matches.PurgeMatch(id); err == nil {
				delete(r.matches, id)
				purged++
			}
		}
	}
	for id, md := range r.teams {
		if md.Status == StatusDeleted && md.DeletedAt > 0 && md.DeletedAt < cutoff {
			if err := r.stores.Teams.PurgeTeam(id); err == nil {
				delete(r.teams, id)
				purged++
			}
		}
	}
	for id, md := range r.players {
		if md.Status == StatusDeleted && md.DeletedAt > 0 && md.DeletedAt < cutoff {
			if err := r.stores.Players.PurgePlayer(id); err == nil {
				delete(r.players, id)
				purged++
			}
		}
	}
	for id, md := range r.leagues {
		if md.Status == StatusDeleted && md.DeletedAt > 0 && md.DeletedAt < cutoff {
			if err := r.stores.Leagues.PurgeLeague(id); err == nil {
				delete(r.leagues, id)
				purged++
			}
		}
	}
	if purged > 0 {
		log.Info().Int("purged", purged).Msg("registry: tombstone gc complete")
	}
	return purged
}

// UpdateAccessPolicy updates the cached access policy.
func (r *Registry) UpdateAccessPolicy(policy *UserAccessPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessPolicy = policy
}

// GetAccessPolicy returns the current access policy.
func (r *Registry) GetAccessPolicy() *UserAccessPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accessPolicy
}

func (r *Registry) UpdateMatch(m *Match) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches[m.ID] = *m.Metadata()
}

func (r *Registry) UpdateTeam(t *Team) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teams[t.ID] = t.Metadata()
}

func (r *Registry) UpdatePlayer(p *Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players[p.ID] = p.Metadata()
}

func (r *Registry) UpdateLeague(l *League) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leagues[l.ID] = l.Metadata()
}

// MatchExists reports whether a live match with this id is indexed.
func (r *Registry) MatchExists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.matches[id]
	return ok && md.Status != StatusDeleted
}

// IsMatchDeleted reports whether the match is indexed as a tombstone.
func (r *Registry) IsMatchDeleted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.matches[id]
	return ok && md.Status == StatusDeleted
}

func (r *Registry) teamLookup(teamID string) (string, TeamRoles, bool) {
	md, ok := r.teams[teamID]
	if !ok || md.Status == StatusDeleted {
		return "", TeamRoles{}, false
	}
	return md.OwnerID, md.Roles, true
}

// MatchAccess returns the user's access to a match from indexed metadata.
func (r *Registry) MatchAccess(userID, matchID string) AccessLevel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.matches[matchID]
	if !ok || md.Status == StatusDeleted {
		return AccessNone
	}
	return r.metadataAccess(userID, md)
}

func (r *Registry) metadataAccess(userID string, md MatchMetadata) AccessLevel {
	return matchAccess(userID, md.ID, md.OwnerID, md.Permissions, []string{md.TeamAID, md.TeamBID}, r.teamLookup)
}

// CountOwnedMatches counts the live matches owned by the user.
func (r *Registry) CountOwnedMatches(userID string) int {
	userID = normalizeEmail(userID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, md := range r.matches {
		if md.Status != StatusDeleted && md.OwnerID == userID {
			n++
		}
	}
	return n
}

// CountOwnedTeams counts the live teams owned by the user.
func (r *Registry) CountOwnedTeams(userID string) int {
	userID = normalizeEmail(userID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, md := range r.teams {
		if md.Status != StatusDeleted && normalizeEmail(md.OwnerID) == userID {
			n++
		}
	}
	return n
}

// Counts returns the number of live matches and teams.
func (r *Registry) Counts() (matches, teams int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, md := range r.matches {
		if md.Status != StatusDeleted {
			matches++
		}
	}
	for _, md := range r.teams {
		if md.Status != StatusDeleted {
			teams++
		}
	}
	return matches, teams
}

// sortByKey sorts items by key then id. Ties never depend on map order.
func sortByKey[T any, K cmp.Ordered](items []T, desc bool, key func(T) K, id func(T) string) {
	slices.SortFunc(items, func(a, b T) int {
		c := cmp.Or(cmp.Compare(key(a), key(b)), cmp.Compare(id(a), id(b)))
		if desc {
			return -c
		}
		return c
	})
}

// ListMatches returns the metadata of every live match the user can read,
// filtered by query and sorted by date (default, newest first), venue or
// status.
func (r *Registry) ListMatches(userID, sortBy, order, query string) []MatchMetadata {
	q := search.Parse(query)

	r.mu.RLock()
	var out []MatchMetadata
	for _, md := range r.matches {
		if md.Status == StatusDeleted || r.metadataAccess(userID, md) < AccessRead {
			continue
		}
		if !r.matchesMatch(md, q) {
			continue
		}
		out = append(out, md)
	}
	r.mu.RUnlock()

	if sortBy == "" {
		sortBy = "date"
	}
	desc := order == "desc" || (order == "" && sortBy == "date")
	key := func(md MatchMetadata) string { return md.Date }
	switch sortBy {
	case "venue":
		key = func(md MatchMetadata) string { return strings.ToLower(md.Venue) }
	case "status":
		key = func(md MatchMetadata) string { return md.Status }
	}
	sortByKey(out, desc, key, func(md MatchMetadata) string { return md.ID })
	return out
}

func (r *Registry) matchesMatch(md MatchMetadata, q search.Query) bool {
	leagueName := r.leagues[md.LeagueID].Name
	if !q.MatchesText(md.TeamA, md.TeamB, md.Venue, leagueName) {
		return false
	}
	for _, f := range q.Filters {
		var ok bool
		switch f.Key {
		case "league":
			ok = md.LeagueID == f.Value || (leagueName != "" && search.ContainsFold(leagueName, f.Value))
		case "status":
			ok = strings.EqualFold(md.Status, f.Value)
		case "team":
			ok = search.ContainsFold(md.TeamA, f.Value) || search.ContainsFold(md.TeamB, f.Value) ||
				md.TeamAID == f.Value || md.TeamBID == f.Value
		case "venue":
			ok = search.ContainsFold(md.Venue, f.Value)
		case "date":
			ok = f.CompareOrdered(md.Date)
		case "owner":
			ok = strings.EqualFold(md.OwnerID, f.Value)
		default:
			ok = true
		}
		if !ok {
			return false
		}
	}
	return true
}

// ListTeams returns every live team, sorted by name or update time.
func (r *Registry) ListTeams(sortBy, order, query string) []TeamMetadata {
	q := search.Parse(query)
	r.mu.RLock()
	var out []TeamMetadata
	for _, md := range r.teams {
		if md.Status == StatusDeleted || !q.MatchesText(md.Name) {
			continue
		}
		if !filtersMatch(q, map[string]string{"name": md.Name}) {
			continue
		}
		out = append(out, md)
	}
	r.mu.RUnlock()

	id := func(md TeamMetadata) string { return md.ID }
	if sortBy == "updated" {
		sortByKey(out, order == "desc", func(md TeamMetadata) int64 { return md.UpdatedAt }, id)
		return out
	}
	sortByKey(out, order == "desc", func(md TeamMetadata) string { return strings.ToLower(md.Name) }, id)
	return out
}

// ListPlayers returns every live player, sorted by name.
func (r *Registry) ListPlayers(order, query string) []PlayerMetadata {
	q := search.Parse(query)
	r.mu.RLock()
	var out []PlayerMetadata
	for _, md := range r.players {
		if md.Status == StatusDeleted || !q.MatchesText(md.Name) {
			continue
		}
		if !filtersMatch(q, map[string]string{"name": md.Name, "role": md.Role, "team": md.TeamID}) {
			continue
		}
		out = append(out, md)
	}
	r.mu.RUnlock()
	sortByKey(out, order == "desc", func(md PlayerMetadata) string { return strings.ToLower(md.Name) }, func(md PlayerMetadata) string { return md.ID })
	return out
}

// ListLeagues returns every live league, sorted by start date.
func (r *Registry) ListLeagues(order, query string) []LeagueMetadata {
	q := search.Parse(query)
	r.mu.RLock()
	var out []LeagueMetadata
	for _, md := range r.leagues {
		if md.Status == StatusDeleted || !q.MatchesText(md.Name) {
			continue
		}
		if !filtersMatch(q, map[string]string{"name": md.Name, "format": md.Format, "status": md.Status}) {
			continue
		}
		out = append(out, md)
	}
	r.mu.RUnlock()
	sortByKey(out, order == "desc", func(md LeagueMetadata) string { return md.StartDate }, func(md LeagueMetadata) string { return md.ID })
	return out
}

// filtersMatch applies case-insensitive substring filters for the given
// fields. Unknown keys are ignored.
func filtersMatch(q search.Query, fields map[string]string) bool {
	for _, f := range q.Filters {
		v, ok := fields[f.Key]
		if ok && !search.ContainsFold(v, f.Value) {
			return false
		}
	}
	return true
}
