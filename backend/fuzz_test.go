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
	"testing"
)

// FuzzValidateAction tests ValidateAction with arbitrary byte slices to ensure no panics.
func FuzzValidateAction(f *testing.F) {
	f.Add([]byte(`{"id": "aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa", "type": "BALL", "payload": {"kind": "runs", "runs": 4}}`))
	f.Add([]byte(`{"id": "aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa", "type": "UNDO", "payload": {}}`))
	f.Add([]byte(`invalid json`))
	f.Add([]byte(`{}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		_ = ValidateAction(json.RawMessage(data))
	})
}

// FuzzApplyBall feeds arbitrary ball payloads to a started match. Whatever
// happens, a rejected ball must leave the match untouched.
func FuzzApplyBall(f *testing.F) {
	f.Add([]byte(`{"kind":"runs","runs":4,"striker":"l1","bowler":"t1"}`))
	f.Add([]byte(`{"kind":"wide","runs":1,"striker":"l1","bowler":"t1"}`))
	f.Add([]byte(`{"kind":"wicket","striker":"l1","bowler":"t1","dismissal":{"type":"bowled","playerOut":"l1","bowler":"t1"}}`))
	f.Add([]byte(`null`))
	base, err := RebuildMatch(startedMatchActions(f, makeUUID(100)))
	if err != nil {
		f.Fatal(err)
	}
	f.Fuzz(func(t *testing.T, payload []byte) {
		m, err := base.Clone()
		if err != nil {
			t.Fatal(err)
		}
		raw, err := json.Marshal(BaseAction{ID: makeUUID(9999), Type: ActionBall, Payload: json.RawMessage(payload)})
		if err != nil {
			return
		}
		before := len(m.ActionLog)
		if _, err := ApplyAction(m, raw); err != nil && len(m.ActionLog) != before {
			t.Fatalf("rejected ball changed the log: %v", err)
		}
	})
}
