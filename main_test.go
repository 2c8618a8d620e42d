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

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttbt-io/wicketkeeper/backend"
	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

func action(t *testing.T, n int, typ string, payload any) json.RawMessage {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(backend.BaseAction{
		ID:            fmt.Sprintf("00000000-0000-4000-8000-%012d", n),
		Type:          typ,
		Payload:       p,
		Timestamp:     int64(n),
		SchemaVersion: backend.CurrentSchemaVersion,
	})
	require.NoError(t, err)
	return raw
}

func sampleLog(t *testing.T) []json.RawMessage {
	return []json.RawMessage{
		action(t, 1, backend.ActionMatchCreate, backend.MatchCreatePayload{
			ID:         "6f1c1d7e-8d2a-4c55-9a57-1c3b9e2f0a11",
			Date:       "2026-03-01",
			TeamA:      backend.MatchTeam{TeamID: "team-l", Name: "Lions", Players: []string{"l1", "l2"}},
			TeamB:      backend.MatchTeam{TeamID: "team-t", Name: "Tigers", Players: []string{"t1", "t2"}},
			MaxOvers:   1,
			MaxWickets: 1,
			OwnerID:    "owner@example.com",
		}),
		action(t, 2, backend.ActionToss, backend.TossPayload{Winner: "Tigers", Decision: backend.TossBowl}),
		action(t, 3, backend.ActionMatchStart, backend.MatchStartPayload{}),
		action(t, 4, backend.ActionBall, scoring.Ball{Kind: scoring.KindRuns, Runs: 4, Striker: "l1", Bowler: "t1"}),
	}
}

func TestReadActionLog(t *testing.T) {
	log := sampleLog(t)
	arr, err := json.Marshal(log)
	require.NoError(t, err)
	got, err := readActionLog(arr)
	require.NoError(t, err)
	assert.Len(t, got, len(log))

	doc, err := json.Marshal(backend.Match{ID: "m1", ActionLog: log})
	require.NoError(t, err)
	got, err = readActionLog(doc)
	require.NoError(t, err)
	assert.Len(t, got, len(log))

	_, err = readActionLog([]byte(`{"id":"m1"}`))
	assert.Error(t, err)
}

func TestReplayCommand(t *testing.T) {
	data, err := json.Marshal(sampleLog(t))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "log.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"replay", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Lions v Tigers\n")
	assert.Contains(t, out.String(), "Lions innings  4/0 (0.1 ov)")
}

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WK_MASTER_KEY", "")
	store, _, err := openStorage(dir, "")
	require.NoError(t, err)
	require.NoError(t, store.SaveDataFile(filepath.Join("teams", "t1.json"), &backend.Team{ID: "t1", Name: "Lions"}))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"inspect", "--data-dir", dir, filepath.Join(dir, "teams", "t1.json")})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "=========== teams/t1.json ===========")
	assert.Contains(t, out.String(), `"name": "Lions"`)

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"inspect", "--data-dir", dir, "unknown/x.json"})
	assert.Error(t, cmd.Execute())
}

func TestOpenStorage_RefusesPlaintextWithKeyFile(t *testing.T) {
	dir := t.TempDir()
	_, key, err := openStorage(dir, "passphrase")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.FileExists(t, filepath.Join(dir, "master.key"))

	_, _, err = openStorage(dir, "passphrase")
	assert.NoError(t, err)

	_, _, err = openStorage(dir, "")
	assert.ErrorContains(t, err, "WK_MASTER_KEY is not set")
}
