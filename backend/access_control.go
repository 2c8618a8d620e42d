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
	"slices"
	"strings"
)

// ErrQuotaExceeded is returned when a user may not create more documents.
var ErrQuotaExceeded = errors.New("quota exceeded")

// UserAccessPolicy defines global access rules and quotas.
type UserAccessPolicy struct {
	DefaultPolicy      string                  `json:"defaultPolicy"` // "allow" or "deny"
	DefaultMaxTeams    int                     `json:"defaultMaxTeams"`
	DefaultMaxMatches  int                     `json:"defaultMaxMatches"`
	DefaultDenyMessage string                  `json:"defaultDenyMessage"`
	Admins             []string                `json:"admins"`
	Users              map[string]UserOverride `json:"users"`
}

// UserOverride defines specific access rules for a single user.
type UserOverride struct {
	Access     string `json:"access"` // "allow" or "deny"
	MaxTeams   int    `json:"maxTeams"`
	MaxMatches int    `json:"maxMatches"`
}

// policySource is anything that holds the current access policy.
type policySource interface {
	GetAccessPolicy() *UserAccessPolicy
}

// AccessControl manages user permissions and quotas.
type AccessControl struct {
	policies policySource
	// admins configured at startup, always allowed and always admins.
	bootstrapAdmins []string
}

// NewAccessControl creates a new AccessControl service.
func NewAccessControl(p policySource, bootstrapAdmins ...string) *AccessControl {
	ac := &AccessControl{policies: p}
	for _, a := range bootstrapAdmins {
		if a = normalizeEmail(a); a != "" {
			ac.bootstrapAdmins = append(ac.bootstrapAdmins, a)
		}
	}
	return ac
}

// IsAllowed checks if a user is allowed to use the service. It returns a
// denial message when not.
func (ac *AccessControl) IsAllowed(email string) (bool, string) {
	if email == "" {
		return false, "Authentication required"
	}
	if ac.IsAdmin(email) {
		return true, ""
	}
	policy := ac.policies.GetAccessPolicy()
	if policy == nil {
		return true, ""
	}
	if override, ok := policy.Users[normalizeEmail(email)]; ok {
		if override.Access == "deny" {
			return false, policy.DefaultDenyMessage
		}
		return true, ""
	}
	if policy.DefaultPolicy == "deny" {
		return false, policy.DefaultDenyMessage
	}
	return true, ""
}

// IsAdmin checks if a user has admin privileges.
func (ac *AccessControl) IsAdmin(email string) bool {
	email = normalizeEmail(email)
	if email == "" {
		return false
	}
	if slices.Contains(ac.bootstrapAdmins, email) {
		return true
	}
	policy := ac.policies.GetAccessPolicy()
	if policy == nil {
		return false
	}
	return slices.ContainsFunc(policy.Admins, func(a string) bool { return strings.EqualFold(a, email) })
}

// GetUserQuotas returns the effective max matches and teams for a user.
// Zero means unlimited.
func (ac *AccessControl) GetUserQuotas(email string) (maxMatches, maxTeams int) {
	policy := ac.policies.GetAccessPolicy()
	if policy == nil {
		return 0, 0
	}
	maxMatches = policy.DefaultMaxMatches
	maxTeams = policy.DefaultMaxTeams
	if override, ok := policy.Users[normalizeEmail(email)]; ok {
		if override.MaxMatches != 0 {
			maxMatches = override.MaxMatches
		}
		if override.MaxTeams != 0 {
			maxTeams = override.MaxTeams
		}
	}
	return maxMatches, maxTeams
}

// CheckMatchQuota verifies if a user can create a new match.
func (ac *AccessControl) CheckMatchQuota(email string, currentCount int) error {
	limit, _ := ac.GetUserQuotas(email)
	return checkLimit("match", limit, currentCount)
}

// CheckTeamQuota verifies if a user can create a new team.
func (ac *AccessControl) CheckTeamQuota(email string, currentCount int) error {
	_, limit := ac.GetUserQuotas(email)
	return checkLimit("team", limit, currentCount)
}

// checkLimit treats 0 as unlimited and a negative limit as none allowed.
func checkLimit(kind string, limit, count int) error {
	if limit != 0 && count >= max(limit, 0) {
		return fmt.Errorf("%w: %s limit reached (%d)", ErrQuotaExceeded, kind, limit)
	}
	return nil
}
