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

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

// maxIdempotencyScan bounds the backwards search for duplicate action ids.
const maxIdempotencyScan = 100

// ApplyActions applies a batch of actions to m. The batch is all or nothing:
// when any action is rejected, m is left untouched. It returns false if every
// action was already in the log.
func ApplyActions(m *Match, actions []json.RawMessage) (bool, error) {
	next, applied, err := applyBatch(m, actions)
	if err != nil {
		return false, err
	}
	*m = *next
	return len(applied) > 0, nil
}

// applyBatch applies actions to a copy of m. The batch is all or nothing:
// on error m is untouched and nothing is returned. Duplicates already in the
// log are skipped and left out of applied.
func applyBatch(m *Match, actions []json.RawMessage) (next *Match, applied []json.RawMessage, err error) {
	next, err = m.Clone()
	if err != nil {
		return nil, nil, err
	}
	for _, raw := range actions {
		changed, err := ApplyAction(next, raw)
		if err != nil {
			return nil, nil, err
		}
		if changed {
			applied = append(applied, raw)
		}
	}
	return next, applied, nil
}

// ApplyAction applies one action to the match and appends it to the log.
// It assumes ValidateAction and authorization have already passed. It returns
// false if the action was already in the log. When the action is rejected,
// the error wraps ErrInvalidAction and m is left untouched.
func ApplyAction(m *Match, raw json.RawMessage) (bool, error) {
	var action BaseAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return false, fmt.Errorf("failed to unmarshal action for apply: %w", err)
	}
	m.normalize()
	if hasRecentAction(m.ActionLog, action.ID) {
		return false, nil
	}

	// Work on a copy so a rejected action leaves no trace.
	next, err := m.Clone()
	if err != nil {
		return false, err
	}
	if err := applyToMatch(next, action); err != nil {
		return false, err
	}
	next.ActionLog = append(next.ActionLog, raw)
	*m = *next
	return true, nil
}

func hasRecentAction(log []json.RawMessage, id string) bool {
	for i, count := len(log)-1, 0; i >= 0 && count < maxIdempotencyScan; i, count = i-1, count+1 {
		if actionID(log[i]) == id {
			return true
		}
	}
	return false
}

func actionID(raw json.RawMessage) string {
	var a struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return ""
	}
	return a.ID
}

func applyToMatch(m *Match, action BaseAction) error {
	if action.Type != ActionMatchCreate && !m.exists() {
		return actionErrorf("%s before MATCH_CREATE", action.Type)
	}
	if m.Status == StatusDeleted {
		return actionErrorf("match %s is deleted", m.ID)
	}

	switch action.Type {
	case ActionMatchCreate:
		return applyMatchCreate(m, action)
	case ActionMatchMetadataUpdate:
		return applyMetadataUpdate(m, action.Payload)
	case ActionToss:
		return applyToss(m, action.Payload)
	case ActionMatchStart:
		return applyMatchStart(m, action.Payload)
	case ActionBall:
		return applyBall(m, action.Payload)
	case ActionEndInnings:
		return applyEndInnings(m)
	case ActionUndo:
		return applyUndo(m, action.Payload)
	}
	return actionErrorf("unknown action type: %s", action.Type)
}

func applyMatchCreate(m *Match, action BaseAction) error {
	if m.exists() {
		return actionErrorf("match %s already exists", m.ID)
	}
	var p MatchCreatePayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return actionErrorf("MATCH_CREATE: %v", err)
	}
	if m.ID != "" && m.ID != p.ID {
		return actionErrorf("MATCH_CREATE for %s sent to match %s", p.ID, m.ID)
	}
	m.ID = p.ID
	m.SchemaVersion = action.SchemaVersion
	if m.SchemaVersion == 0 {
		m.SchemaVersion = CurrentSchemaVersion
	}
	m.Date = p.Date
	m.Venue = p.Venue
	m.LeagueID = p.LeagueID
	m.TeamA = p.TeamA
	m.TeamB = p.TeamB
	m.MaxOvers = p.MaxOvers
	if m.MaxOvers == 0 {
		m.MaxOvers = scoring.DefaultMaxOvers
	}
	m.MaxWickets = p.MaxWickets
	if m.MaxWickets == 0 {
		m.MaxWickets = scoring.DefaultMaxWickets
	}
	m.OwnerID = normalizeEmail(p.OwnerID)
	m.Permissions = p.Permissions
	m.Status = StatusUpcoming
	m.normalize()
	return nil
}

func applyMetadataUpdate(m *Match, payload json.RawMessage) error {
	var p MatchMetadataPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return actionErrorf("MATCH_METADATA_UPDATE: %v", err)
	}
	if (p.TeamAPlayers != nil || p.TeamBPlayers != nil) && m.Status != StatusUpcoming {
		return actionErrorf("lineups are fixed once the match has started")
	}
	if p.Date != nil {
		m.Date = *p.Date
	}
	if p.Venue != nil {
		m.Venue = *p.Venue
	}
	if p.LeagueID != nil {
		m.LeagueID = *p.LeagueID
	}
	if p.Permissions != nil {
		m.Permissions = *p.Permissions
	}
	if p.TeamAPlayers != nil {
		m.TeamA.Players = p.TeamAPlayers
	}
	if p.TeamBPlayers != nil {
		m.TeamB.Players = p.TeamBPlayers
	}
	return nil
}

func applyToss(m *Match, payload json.RawMessage) error {
	if m.Status != StatusUpcoming {
		return actionErrorf("toss after the match has started")
	}
	var p TossPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return actionErrorf("TOSS: %v", err)
	}
	if _, ok := m.team(p.Winner); !ok {
		return actionErrorf("toss winner %q is not playing", p.Winner)
	}
	m.Toss = &Toss{Winner: p.Winner, Decision: p.Decision}
	return nil
}

// firstBatting resolves who bats first from the explicit choice or the toss.
func (m *Match) firstBatting(explicit string) (string, error) {
	if explicit != "" {
		if _, ok := m.team(explicit); !ok {
			return "", actionErrorf("team %q is not playing", explicit)
		}
		return explicit, nil
	}
	if m.Toss == nil {
		return "", actionErrorf("MATCH_START needs a toss or firstBatting")
	}
	if m.Toss.Decision == TossBat {
		return m.Toss.Winner, nil
	}
	if m.Toss.Winner == m.TeamA.Name {
		return m.TeamB.Name, nil
	}
	return m.TeamA.Name, nil
}

// setup builds the reducer configuration for the match.
func (m *Match) setup(firstBatting string) scoring.Setup {
	s := scoring.Setup{
		TeamA:        m.TeamA.Name,
		TeamB:        m.TeamB.Name,
		FirstBatting: firstBatting,
		MaxOvers:     m.MaxOvers,
		MaxWickets:   m.MaxWickets,
	}
	for _, t := range []MatchTeam{m.TeamA, m.TeamB} {
		if len(t.Players) == 0 {
			continue
		}
		if s.Lineups == nil {
			s.Lineups = make(map[string][]string)
		}
		s.Lineups[t.Name] = append([]string(nil), t.Players...)
	}
	return s
}

func applyMatchStart(m *Match, payload json.RawMessage) error {
	if m.Status != StatusUpcoming || m.Score != nil {
		return actionErrorf("match %s has already started", m.ID)
	}
	var p MatchStartPayload
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &p); err != nil {
			return actionErrorf("MATCH_START: %v", err)
		}
	}
	first, err := m.firstBatting(p.FirstBatting)
	if err != nil {
		return err
	}
	s, err := scoring.NewState(m.setup(first))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAction, err)
	}
	m.Score = &s
	m.Status = StatusOngoing
	return nil
}

func (m *Match) requireStarted() error {
	if m.Score == nil {
		return actionErrorf("match %s has not started", m.ID)
	}
	return nil
}

// setScore stores the new state and keeps the status in step with it.
func (m *Match) setScore(s scoring.State) {
	m.Score = &s
	if s.Phase == scoring.Completed {
		m.Status = StatusCompleted
	} else {
		m.Status = StatusOngoing
	}
}

func applyBall(m *Match, payload json.RawMessage) error {
	if err := m.requireStarted(); err != nil {
		return err
	}
	var b scoring.Ball
	if err := json.Unmarshal(payload, &b); err != nil {
		return actionErrorf("BALL: %v", err)
	}
	next, _, err := scoring.Apply(*m.Score, b)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAction, err)
	}
	m.setScore(next)
	return nil
}

func applyEndInnings(m *Match) error {
	if err := m.requireStarted(); err != nil {
		return err
	}
	next, _, err := scoring.EndInnings(*m.Score)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAction, err)
	}
	m.setScore(next)
	return nil
}

func applyUndo(m *Match, payload json.RawMessage) error {
	if err := m.requireStarted(); err != nil {
		return err
	}
	var p UndoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return actionErrorf("UNDO: %v", err)
	}
	undone := undoneActions(m.ActionLog)
	if undone[p.RefID] {
		return actionErrorf("action %s is already undone", p.RefID)
	}
	found := false
	for _, raw := range m.ActionLog {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil || a.ID != p.RefID {
			continue
		}
		if a.Type != ActionBall && a.Type != ActionEndInnings {
			return actionErrorf("cannot undo %s", a.Type)
		}
		found = true
		break
	}
	if !found {
		return actionErrorf("action %s not found", p.RefID)
	}
	undone[p.RefID] = true

	s, err := replayScore(m.Score.Setup, m.ActionLog, undone)
	if err != nil {
		return fmt.Errorf("%w: undo %s: %w", ErrInvalidAction, p.RefID, err)
	}
	m.setScore(s)
	return nil
}

// undoneActions returns the ids referenced by UNDO actions in the log.
func undoneActions(log []json.RawMessage) map[string]bool {
	undone := make(map[string]bool)
	for _, raw := range log {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil || a.Type != ActionUndo {
			continue
		}
		var p UndoPayload
		if err := json.Unmarshal(a.Payload, &p); err == nil {
			undone[p.RefID] = true
		}
	}
	return undone
}

// replayScore folds the scoring actions of the log, skipping undone ones,
// over a fresh state for setup.
func replayScore(setup scoring.Setup, log []json.RawMessage, undone map[string]bool) (scoring.State, error) {
	s, err := scoring.NewState(setup)
	if err != nil {
		return scoring.State{}, err
	}
	for _, raw := range log {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return s, err
		}
		if undone[a.ID] {
			continue
		}
		switch a.Type {
		case ActionBall:
			var b scoring.Ball
			if err := json.Unmarshal(a.Payload, &b); err != nil {
				return s, fmt.Errorf("action %s: %w", a.ID, err)
			}
			if s, _, err = scoring.Apply(s, b); err != nil {
				return s, fmt.Errorf("action %s: %w", a.ID, err)
			}
		case ActionEndInnings:
			if s, _, err = scoring.EndInnings(s); err != nil {
				return s, fmt.Errorf("action %s: %w", a.ID, err)
			}
		}
	}
	return s, nil
}

// RebuildMatch replays an action log into a fresh match document.
func RebuildMatch(actions []json.RawMessage) (*Match, error) {
	m := &Match{}
	m.normalize()
	for i, raw := range actions {
		if _, err := ApplyAction(m, raw); err != nil {
			return m, fmt.Errorf("action %d: %w", i, err)
		}
	}
	return m, nil
}

func getCurrentRevision(log []json.RawMessage) string {
	if len(log) == 0 {
		return ""
	}
	return actionID(log[len(log)-1])
}

// getActionsSince returns the actions after revision, or nil if revision
// is not in the log.
func getActionsSince(log []json.RawMessage, revision string) []json.RawMessage {
	if revision == "" {
		return log
	}
	for i, raw := range log {
		if actionID(raw) == revision {
			return log[i+1:]
		}
	}
	return nil
}
