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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStores(t *testing.T) Stores {
	t.Helper()
	dir, st := newTestStorage(t)
	return NewStores(dir, st)
}

func ids[T any](items []T, id func(T) string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, id(it))
	}
	return out
}

func matchIDs(mds []MatchMetadata) []string {
	return ids(mds, func(md MatchMetadata) string { return md.ID })
}

func seedRegistry(t *testing.T) (Stores, *Registry) {
	t.Helper()
	s := newTestStores(t)
	require.NoError(t, s.Leagues.SaveLeague(&League{ID: "lg1", Name: "Summer Cup", StartDate: "2026-01-01"}))
	require.NoError(t, s.Teams.SaveTeam(&Team{ID: "team-l", Name: "Lions", OwnerID: "coach@example.com"}))

	matches := []*Match{
		{ID: "m1", Date: "2026-03-01", Venue: "Eden Gardens", LeagueID: "lg1", Status: StatusCompleted, OwnerID: testOwner,
			TeamA: MatchTeam{TeamID: "team-l", Name: "Lions"}, TeamB: MatchTeam{Name: "Tigers"}},
		{ID: "m2", Date: "2026-04-01", Venue: "Lord's", Status: StatusOngoing, OwnerID: testOwner,
			TeamA: MatchTeam{Name: "Eagles"}, TeamB: MatchTeam{Name: "Tigers"}},
		{ID: "m3", Date: "2026-02-01", Venue: "Wankhede", Status: StatusUpcoming, OwnerID: "other@example.com",
			TeamA: MatchTeam{Name: "Sharks"}, TeamB: MatchTeam{Name: "Eagles"}, Permissions: Permissions{Public: PermRead}},
		{ID: "m4", Date: "2026-05-01", Venue: "Gabba", Status: StatusUpcoming, OwnerID: "other@example.com",
			TeamA: MatchTeam{Name: "Bears"}, TeamB: MatchTeam{Name: "Wolves"}},
	}
	for _, m := range matches {
		m.normalize()
		require.NoError(t, s.Matches.SaveMatch(m))
	}
	return s, NewRegistry(s)
}

func TestRegistry_ListMatchesAccessAndSort(t *testing.T) {
	_, r := seedRegistry(t)

	assert.Equal(t, []string{"m2", "m1", "m3"}, matchIDs(r.ListMatches(testOwner, "", "", "")))
	assert.Equal(t, []string{"m3", "m1", "m2"}, matchIDs(r.ListMatches(testOwner, "date", "asc", "")))
	assert.Equal(t, []string{"m1", "m2", "m3"}, matchIDs(r.ListMatches(testOwner, "venue", "", "")))
	// Team owner sees the match that links their team.
	assert.Equal(t, []string{"m1", "m3"}, matchIDs(r.ListMatches("coach@example.com", "", "", "")))
	assert.Equal(t, []string{"m3"}, matchIDs(r.ListMatches("", "", "", "")))
}

func TestRegistry_ListMatchesSearch(t *testing.T) {
	_, r := seedRegistry(t)

	tests := []struct {
		query string
		want  []string
	}{
		{"league:summer", []string{"m1"}},
		{"league:lg1", []string{"m1"}},
		{"status:ongoing", []string{"m2"}},
		{"team:tigers", []string{"m2", "m1"}},
		{`venue:"eden"`, []string{"m1"}},
		{"date:>=2026-03-01", []string{"m2", "m1"}},
		{"date:2026-02", []string{"m3"}},
		{"eagles", []string{"m2", "m3"}},
		{"eagles lord", []string{"m2"}},
		{"cup", []string{"m1"}},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			assert.Equal(t, tc.want, matchIDs(r.ListMatches(testOwner, "", "", tc.query)))
		})
	}
}

func TestRegistry_UpdatesAndCounts(t *testing.T) {
	s, r := seedRegistry(t)

	assert.Equal(t, 2, r.CountOwnedMatches(testOwner))
	assert.Equal(t, 1, r.CountOwnedTeams("coach@example.com"))
	matches, teams := r.Counts()
	assert.Equal(t, 4, matches)
	assert.Equal(t, 1, teams)

	require.NoError(t, s.Matches.DeleteMatch("m2"))
	m, err := s.Matches.LoadMatch("m2")
	require.NoError(t, err)
	r.UpdateMatch(m)

	assert.False(t, r.MatchExists("m2"))
	assert.Equal(t, AccessNone, r.MatchAccess(testOwner, "m2"))
	assert.Equal(t, AccessAdmin, r.MatchAccess(testOwner, "m1"))
	assert.Equal(t, AccessAdmin, r.MatchAccess("coach@example.com", "m1"))
	assert.Equal(t, 1, r.CountOwnedMatches(testOwner))
}

func TestRegistry_PurgeOldTombstones(t *testing.T) {
	s, r := seedRegistry(t)

	old := &Match{ID: "gone", Status: StatusDeleted, DeletedAt: time.Now().Add(-2 * tombstoneTTL).UnixNano()}
	old.normalize()
	require.NoError(t, s.Matches.SaveMatch(old))
	recent := &Match{ID: "recent", Status: StatusDeleted, DeletedAt: time.Now().UnixNano()}
	recent.normalize()
	require.NoError(t, s.Matches.SaveMatch(recent))
	r.UpdateMatch(old)
	r.UpdateMatch(recent)

	assert.Equal(t, 1, r.PurgeOldTombstones())
	_, err := s.Matches.LoadMatch("gone")
	assert.Error(t, err)
	_, err = s.Matches.LoadMatch("recent")
	assert.NoError(t, err)
}

func TestRegistry_DocumentLists(t *testing.T) {
	s, r := seedRegistry(t)
	require.NoError(t, s.Teams.SaveTeam(&Team{ID: "team-a", Name: "Acorns", UpdatedAt: 5}))
	require.NoError(t, s.Players.SavePlayer(&Player{ID: "p1", Name: "Zed", Role: RoleBowler, TeamID: "team-l"}))
	require.NoError(t, s.Players.SavePlayer(&Player{ID: "p2", Name: "Amir", TeamID: "team-a"}))
	require.NoError(t, s.Leagues.SaveLeague(&League{ID: "lg0", Name: "Winter Shield", Format: FormatODI, StartDate: "2025-06-01"}))
	r.Rebuild()

	assert.Equal(t, []string{"team-a", "team-l"}, ids(r.ListTeams("", "", ""), func(md TeamMetadata) string { return md.ID }))
	assert.Equal(t, []string{"team-l", "team-a"}, ids(r.ListTeams("updated", "asc", ""), func(md TeamMetadata) string { return md.ID }))
	assert.Equal(t, []string{"p2", "p1"}, ids(r.ListPlayers("", ""), func(md PlayerMetadata) string { return md.ID }))
	assert.Equal(t, []string{"p1"}, ids(r.ListPlayers("", "role:bowler"), func(md PlayerMetadata) string { return md.ID }))
	assert.Equal(t, []string{"lg0", "lg1"}, ids(r.ListLeagues("", ""), func(md LeagueMetadata) string { return md.ID }))
	assert.Equal(t, []string{"lg0"}, ids(r.ListLeagues("", "format:odi"), func(md LeagueMetadata) string { return md.ID }))
}
