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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

// ErrInvalidAction is wrapped by every action validation failure.
var ErrInvalidAction = errors.New("invalid action")

// isValidUUID checks if the string is a canonical UUID.
func isValidUUID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// isValidEmail checks if the string is a valid email address.
func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

// Action types
const (
	ActionMatchCreate         = "MATCH_CREATE"
	ActionMatchMetadataUpdate = "MATCH_METADATA_UPDATE"
	ActionToss                = "TOSS"
	ActionMatchStart          = "MATCH_START"
	ActionBall                = "BALL"
	ActionEndInnings          = "END_INNINGS"
	ActionUndo                = "UNDO"
)

// BaseAction represents the common fields of an action.
type BaseAction struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     int64           `json:"timestamp"`
	SchemaVersion int             `json:"schemaVersion,omitempty"`
}

// MatchCreatePayload opens a new match.
type MatchCreatePayload struct {
	ID          string      `json:"id"`
	Date        string      `json:"date"`
	Venue       string      `json:"venue,omitempty"`
	LeagueID    string      `json:"leagueId,omitempty"`
	TeamA       MatchTeam   `json:"teamA"`
	TeamB       MatchTeam   `json:"teamB"`
	MaxOvers    int         `json:"maxOvers,omitempty"`
	MaxWickets  int         `json:"maxWickets,omitempty"`
	OwnerID     string      `json:"ownerId,omitempty"`
	Permissions Permissions `json:"permissions"`
}

// MatchMetadataPayload changes descriptive fields. Nil fields are left alone.
type MatchMetadataPayload struct {
	Date         *string      `json:"date,omitempty"`
	Venue        *string      `json:"venue,omitempty"`
	LeagueID     *string      `json:"leagueId,omitempty"`
	Permissions  *Permissions `json:"permissions,omitempty"`
	TeamAPlayers []string     `json:"teamAPlayers,omitempty"`
	TeamBPlayers []string     `json:"teamBPlayers,omitempty"`
}

// TossPayload records the toss.
type TossPayload struct {
	Winner   string `json:"winner"`
	Decision string `json:"decision"`
}

// MatchStartPayload starts the first innings. FirstBatting may be omitted
// when the toss has been recorded.
type MatchStartPayload struct {
	FirstBatting string `json:"firstBatting,omitempty"`
}

// UndoPayload reverts an earlier BALL or END_INNINGS action.
type UndoPayload struct {
	RefID string `json:"refId"`
}

func actionErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidAction, fmt.Sprintf(format, args...))
}

// ValidateMatchData validates a full match document including its action log.
func ValidateMatchData(data []byte) error {
	var match struct {
		ID        string            `json:"id"`
		ActionLog []json.RawMessage `json:"actionLog"`
	}
	if err := json.Unmarshal(data, &match); err != nil {
		return actionErrorf("invalid match JSON: %v", err)
	}
	if !isValidUUID(match.ID) {
		return actionErrorf("invalid match ID format: %s", match.ID)
	}
	return ValidateActions(match.ActionLog)
}

// ValidateAction validates a single action from raw JSON.
func ValidateAction(raw json.RawMessage) error {
	var action BaseAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return actionErrorf("malformed action JSON")
	}
	if !isValidUUID(action.ID) {
		return actionErrorf("invalid action ID: %s", action.ID)
	}
	if action.Type == "" {
		return actionErrorf("missing action type")
	}
	if action.SchemaVersion > CurrentSchemaVersion {
		return actionErrorf("unsupported schema version %d", action.SchemaVersion)
	}
	if err := validateActionPayload(action.Type, action.Payload); err != nil {
		if errors.Is(err, ErrInvalidAction) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrInvalidAction, action.Type, err)
	}
	return nil
}

// ValidateActions validates a list of actions.
func ValidateActions(actions []json.RawMessage) error {
	for i, raw := range actions {
		if err := ValidateAction(raw); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

func validateActionPayload(actionType string, payload json.RawMessage) error {
	switch actionType {
	case ActionMatchCreate:
		return validateMatchCreate(payload)
	case ActionMatchMetadataUpdate:
		return validateMatchMetadataUpdate(payload)
	case ActionToss:
		return validateToss(payload)
	case ActionMatchStart:
		return validateMatchStart(payload)
	case ActionBall:
		return validateBall(payload)
	case ActionEndInnings:
		return nil
	case ActionUndo:
		return validateUndo(payload)
	default:
		return actionErrorf("unknown action type: %s", actionType)
	}
}

// decodePayload rejects unknown fields so typos in clients surface early.
func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("missing payload")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// validateStringLen checks if the string length is within the limit.
func validateStringLen(s string, max int, name string) error {
	if len(s) > max {
		return fmt.Errorf("%s too long (max %d chars)", name, max)
	}
	return nil
}

func validateMatchTeam(t MatchTeam, side string) error {
	if t.Name == "" {
		return fmt.Errorf("missing %s name", side)
	}
	if err := validateStringLen(t.Name, 50, side+" name"); err != nil {
		return err
	}
	if err := validateStringLen(t.TeamID, 64, side+" id"); err != nil {
		return err
	}
	if len(t.Players) > 30 {
		return fmt.Errorf("%s has too many players", side)
	}
	return validatePlayerIDs(t.Players, side)
}

func validatePlayerIDs(ids []string, side string) error {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%s has an empty player id", side)
		}
		if err := validateStringLen(id, 64, "player id"); err != nil {
			return err
		}
		if seen[id] {
			return fmt.Errorf("%s lists player %q twice", side, id)
		}
		seen[id] = true
	}
	return nil
}

func validatePermissions(p Permissions) error {
	switch p.Public {
	case "", PermNone, PermRead:
	default:
		return fmt.Errorf("invalid public permission %q", p.Public)
	}
	for user, level := range p.Users {
		if !isValidEmail(user) {
			return fmt.Errorf("invalid user %q", user)
		}
		switch level {
		case PermRead, PermWrite, PermAdmin:
		default:
			return fmt.Errorf("invalid permission %q for %s", level, user)
		}
	}
	return nil
}

func validateMatchDate(d string) error {
	if d == "" {
		return fmt.Errorf("missing date")
	}
	if _, err := time.Parse(time.RFC3339, d); err == nil {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, d); err != nil {
		return fmt.Errorf("invalid date format: %q", d)
	}
	return nil
}

func validateMatchCreate(payload json.RawMessage) error {
	var p MatchCreatePayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	if !isValidUUID(p.ID) {
		return fmt.Errorf("invalid match ID in payload")
	}
	if err := validateMatchDate(p.Date); err != nil {
		return err
	}
	if err := validateStringLen(p.Venue, 100, "venue"); err != nil {
		return err
	}
	if err := validateStringLen(p.LeagueID, 64, "league id"); err != nil {
		return err
	}
	if err := validateMatchTeam(p.TeamA, "teamA"); err != nil {
		return err
	}
	if err := validateMatchTeam(p.TeamB, "teamB"); err != nil {
		return err
	}
	if p.TeamA.Name == p.TeamB.Name {
		return fmt.Errorf("teams must have distinct names")
	}
	if p.MaxOvers < 0 || p.MaxOvers > 200 {
		return fmt.Errorf("invalid maxOvers %d", p.MaxOvers)
	}
	if p.MaxWickets < 0 || p.MaxWickets > scoring.DefaultMaxWickets {
		return fmt.Errorf("invalid maxWickets %d", p.MaxWickets)
	}
	return validatePermissions(p.Permissions)
}

func validateMatchMetadataUpdate(payload json.RawMessage) error {
	var p MatchMetadataPayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	if p.Date != nil {
		if err := validateMatchDate(*p.Date); err != nil {
			return err
		}
	}
	if p.Venue != nil {
		if err := validateStringLen(*p.Venue, 100, "venue"); err != nil {
			return err
		}
	}
	if p.LeagueID != nil {
		if err := validateStringLen(*p.LeagueID, 64, "league id"); err != nil {
			return err
		}
	}
	if p.Permissions != nil {
		if err := validatePermissions(*p.Permissions); err != nil {
			return err
		}
	}
	if err := validatePlayerIDs(p.TeamAPlayers, "teamA"); err != nil {
		return err
	}
	return validatePlayerIDs(p.TeamBPlayers, "teamB")
}

func validateToss(payload json.RawMessage) error {
	var p TossPayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	if p.Winner == "" {
		return fmt.Errorf("missing toss winner")
	}
	if p.Decision != TossBat && p.Decision != TossBowl {
		return fmt.Errorf("invalid toss decision %q", p.Decision)
	}
	return nil
}

func validateMatchStart(payload json.RawMessage) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	var p MatchStartPayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	return validateStringLen(p.FirstBatting, 50, "firstBatting")
}

// validateBall checks the shape of a ball event. Player and rule checks
// happen in the reducer, which knows the match state.
func validateBall(payload json.RawMessage) error {
	var b scoring.Ball
	if err := decodePayload(payload, &b); err != nil {
		return err
	}
	switch b.Kind {
	case scoring.KindRuns, scoring.KindWide, scoring.KindNoBall, scoring.KindWicket:
	default:
		return fmt.Errorf("unknown ball kind %q", b.Kind)
	}
	if b.Striker == "" || b.Bowler == "" {
		return fmt.Errorf("ball needs a striker and a bowler")
	}
	if err := validateStringLen(b.Striker, 64, "striker"); err != nil {
		return err
	}
	if err := validateStringLen(b.Bowler, 64, "bowler"); err != nil {
		return err
	}
	if b.Kind == scoring.KindWicket && b.Dismissal == nil {
		return fmt.Errorf("wicket without dismissal")
	}
	return nil
}

func validateUndo(payload json.RawMessage) error {
	var p UndoPayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	if !isValidUUID(p.RefID) {
		return fmt.Errorf("invalid refId")
	}
	return nil
}
