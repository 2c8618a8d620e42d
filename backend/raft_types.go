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
)

// CommandType represents the type of operation to perform on the FSM.
type CommandType string

const (
	CmdApplyAction        CommandType = "APPLY_ACTION"
	CmdDeleteMatch        CommandType = "DELETE_MATCH"
	CmdSaveDoc            CommandType = "SAVE_DOC"
	CmdDeleteDoc          CommandType = "DELETE_DOC"
	CmdNodeMeta           CommandType = "NODE_META"
	CmdNodeLeft           CommandType = "NODE_LEFT"
	CmdUpdateAccessPolicy CommandType = "UPDATE_ACCESS_POLICY"
)

// Document kinds carried by CmdSaveDoc and CmdDeleteDoc.
const (
	DocTeam   = "team"
	DocPlayer = "player"
	DocLeague = "league"
)

// RaftCommand is a unified structure for all Raft log entries.
type RaftCommand struct {
	Type       CommandType       `json:"type"`
	NodeMeta   *NodeMeta         `json:"nodeMeta,omitempty"`
	Action     *ActionPayload    `json:"action,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Data       json.RawMessage   `json:"data,omitempty"`
	PolicyData *UserAccessPolicy `json:"policyData,omitempty"`
	ID         string            `json:"id,omitempty"`
}

// NodeMeta contains metadata about a cluster node.
type NodeMeta struct {
	NodeID          string `json:"nodeId"`
	HttpAddr        string `json:"httpAddr"`
	AppVersion      string `json:"appVersion,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	SchemaVersion   int    `json:"schemaVersion,omitempty"`
}

// ActionPayload contains details for CmdApplyAction.
type ActionPayload struct {
	MatchID string            `json:"matchId"`
	Action  json.RawMessage   `json:"action,omitempty"`
	Actions []json.RawMessage `json:"actions,omitempty"`
	UserID  string            `json:"userId"`
}

// all returns the single action or the batch as one slice.
func (p *ActionPayload) all() []json.RawMessage {
	if len(p.Actions) > 0 {
		return p.Actions
	}
	if len(p.Action) > 0 {
		return []json.RawMessage{p.Action}
	}
	return nil
}
