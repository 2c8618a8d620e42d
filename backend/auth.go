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
	"net/http"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
)

type contextKey struct{}

// userIDKey is the context key for the authenticated user's ID (email).
// The associated value is always a string.
var userIDKey contextKey

// getUserID returns the UserID from the request context, if present.
func getUserID(r *http.Request) string {
	if val := r.Context().Value(userIDKey); val != nil {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

// normalizeEmail ensures consistent casing and whitespace for User IDs.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// maskEmail obscures an email address for safe logging.
// e.g. "user@example.com" -> "u***@example.com"
func maskEmail(email string) string {
	if email == "" {
		return "<empty>"
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || len(parts[0]) < 1 {
		return "****"
	}
	return string(parts[0][0]) + "***@" + parts[1]
}

type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessWrite
	AccessAdmin
)

func (a AccessLevel) String() string {
	switch a {
	case AccessRead:
		return PermRead
	case AccessWrite:
		return PermWrite
	case AccessAdmin:
		return PermAdmin
	}
	return PermNone
}

func containsUser(list []string, userID string) bool {
	return slices.ContainsFunc(list, func(u string) bool { return normalizeEmail(u) == userID })
}

// teamRoleAccess maps a user's role on a team to an access level.
func teamRoleAccess(userID, ownerID string, roles TeamRoles) AccessLevel {
	switch {
	case normalizeEmail(ownerID) == userID, containsUser(roles.Admins, userID):
		return AccessAdmin
	case containsUser(roles.Scorekeepers, userID):
		return AccessWrite
	case containsUser(roles.Spectators, userID):
		return AccessRead
	}
	return AccessNone
}

// teamLookup returns the owner and roles of a live team.
type teamLookup func(teamID string) (ownerID string, roles TeamRoles, ok bool)

func storeTeamLookup(ts *TeamStore) teamLookup {
	return func(teamID string) (string, TeamRoles, bool) {
		if ts == nil {
			return "", TeamRoles{}, false
		}
		t, err := ts.LoadTeam(teamID)
		if err != nil || t.Status == StatusDeleted {
			return "", TeamRoles{}, false
		}
		return t.OwnerID, t.Roles, true
	}
}

// matchAccess resolves access from the owner, explicit grants, the roles the
// user holds on either linked team and finally public read access.
func matchAccess(userID, matchID, ownerID string, perms Permissions, teamIDs []string, teams teamLookup) AccessLevel {
	userID = normalizeEmail(userID)
	if userID != "" {
		if normalizeEmail(ownerID) == userID {
			return AccessAdmin
		}
		for u, role := range perms.Users {
			if normalizeEmail(u) != userID {
				continue
			}
			switch role {
			case PermAdmin:
				return AccessAdmin
			case PermWrite:
				return AccessWrite
			case PermRead:
				return AccessRead
			}
		}

		level := AccessNone
		for _, teamID := range teamIDs {
			if teamID == "" || level == AccessAdmin {
				continue
			}
			if owner, roles, ok := teams(teamID); ok {
				level = max(level, teamRoleAccess(userID, owner, roles))
			}
		}
		if level > AccessNone {
			log.Debug().Str("user", maskEmail(userID)).Str("match", matchID).Stringer("access", level).Msg("access via team role")
			return level
		}
	}
	if perms.Public == PermRead {
		return AccessRead
	}
	return AccessNone
}

// GetMatchAccess calculates the effective access level for a user on a match.
func GetMatchAccess(userID string, m Match, ts *TeamStore) AccessLevel {
	return matchAccess(userID, m.ID, m.OwnerID, m.Permissions, []string{m.TeamA.TeamID, m.TeamB.TeamID}, storeTeamLookup(ts))
}

// GetTeamAccess calculates the effective access level for a user on a team.
// Any signed-in user may read a team.
func GetTeamAccess(userID string, t Team) AccessLevel {
	userID = normalizeEmail(userID)
	if userID == "" {
		return AccessNone
	}
	if level := teamRoleAccess(userID, t.OwnerID, t.Roles); level > AccessNone {
		return level
	}
	return AccessRead
}

// GetPlayerAccess calculates the effective access level for a user on a
// player. Team admins and scorekeepers may edit the team's players.
func GetPlayerAccess(userID string, p Player, ts *TeamStore) AccessLevel {
	userID = normalizeEmail(userID)
	if userID == "" {
		return AccessNone
	}
	if normalizeEmail(p.OwnerID) == userID {
		return AccessAdmin
	}
	if p.TeamID != "" {
		if owner, roles, ok := storeTeamLookup(ts)(p.TeamID); ok {
			if level := teamRoleAccess(userID, owner, roles); level > AccessRead {
				return level
			}
		}
	}
	return AccessRead
}

// GetLeagueAccess calculates the effective access level for a user on a league.
func GetLeagueAccess(userID string, l League) AccessLevel {
	userID = normalizeEmail(userID)
	if userID == "" {
		return AccessNone
	}
	if normalizeEmail(l.OwnerID) == userID {
		return AccessAdmin
	}
	return AccessRead
}
