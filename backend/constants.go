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

const (
	CurrentSchemaVersion   = 1
	CurrentProtocolVersion = 1
	CurrentAppVersion      = "0.1.0"
)

// Match Status
const (
	StatusUpcoming  = "upcoming"
	StatusOngoing   = "ongoing"
	StatusCompleted = "completed"
	StatusDeleted   = "deleted"
)

// Toss Decisions
const (
	TossBat  = "bat"
	TossBowl = "bowl"
)

// Player Roles
const (
	RoleBatsman      = "Batsman"
	RoleBowler       = "Bowler"
	RoleAllRounder   = "All-Rounder"
	RoleWicketKeeper = "Wicket-Keeper"
)

// League Formats and their default over limits.
const (
	FormatT20  = "T20"
	FormatODI  = "ODI"
	FormatTest = "Test"
)

var formatOvers = map[string]int{
	FormatT20:  20,
	FormatODI:  50,
	FormatTest: 90,
}

// Permission values for Permissions.Public and Permissions.Users.
const (
	PermNone  = "none"
	PermRead  = "read"
	PermWrite = "write"
	PermAdmin = "admin"
)
