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

	"github.com/stretchr/testify/assert"
)

type staticPolicy struct{ p *UserAccessPolicy }

func (s staticPolicy) GetAccessPolicy() *UserAccessPolicy { return s.p }

func TestAccessControl(t *testing.T) {
	policy := &UserAccessPolicy{
		DefaultPolicy:      "deny",
		DefaultDenyMessage: "invite only",
		Admins:             []string{"Admin@example.com"},
		Users: map[string]UserOverride{
			"friend@example.com": {Access: "allow"},
			"banned@example.com": {Access: "deny"},
		},
	}
	ac := NewAccessControl(staticPolicy{policy}, "root@example.com")

	tests := []struct {
		email   string
		allowed bool
		admin   bool
	}{
		{"root@example.com", true, true},
		{"admin@example.com", true, true},
		{"friend@example.com", true, false},
		{"banned@example.com", false, false},
		{"random@example.com", false, false},
		{"", false, false},
	}
	for _, tc := range tests {
		t.Run(tc.email, func(t *testing.T) {
			ok, msg := ac.IsAllowed(tc.email)
			assert.Equal(t, tc.allowed, ok)
			if !ok && tc.email != "" {
				assert.Equal(t, "invite only", msg)
			}
			assert.Equal(t, tc.admin, ac.IsAdmin(tc.email))
		})
	}
}

func TestAccessControl_NoPolicyIsOpen(t *testing.T) {
	ac := NewAccessControl(staticPolicy{})
	ok, _ := ac.IsAllowed("anyone@example.com")
	assert.True(t, ok)
	assert.False(t, ac.IsAdmin("anyone@example.com"))
	assert.NoError(t, ac.CheckMatchQuota("anyone@example.com", 1000))
}

func TestAccessControl_Quotas(t *testing.T) {
	ac := NewAccessControl(staticPolicy{&UserAccessPolicy{
		DefaultMaxMatches: 2,
		DefaultMaxTeams:   1,
		Users: map[string]UserOverride{
			"pro@example.com":  {MaxMatches: 10},
			"none@example.com": {MaxTeams: -1},
		},
	}})

	assert.NoError(t, ac.CheckMatchQuota("a@example.com", 1))
	assert.ErrorIs(t, ac.CheckMatchQuota("a@example.com", 2), ErrQuotaExceeded)
	assert.NoError(t, ac.CheckMatchQuota("pro@example.com", 9))
	assert.ErrorIs(t, ac.CheckTeamQuota("a@example.com", 1), ErrQuotaExceeded)
	assert.ErrorIs(t, ac.CheckTeamQuota("none@example.com", 0), ErrQuotaExceeded)

	m, tm := ac.GetUserQuotas("pro@example.com")
	assert.Equal(t, 10, m)
	assert.Equal(t, 1, tm)
}
