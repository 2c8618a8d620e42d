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
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog/log"
)

var (
	ErrConflict        = errors.New("conflict detected")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("login required")
)

const (
	nodesFile        = "nodes.json"
	accessPolicyFile = "sys_access_policy"
	fsmStateFile     = "fsm_state.json"
)

// FSM applies committed commands to the stores. Without Raft the same code
// paths are called directly with index 0.
type FSM struct {
	stores  Stores
	r       *Registry
	hm      *HubManager
	career  *CareerBook
	metrics *Metrics
	storage *storage.Storage
	rm      *RaftManager

	nodeMap          sync.Map // map[string]*NodeMeta
	lastAppliedIndex atomic.Uint64
}

// NewFSM creates a new FSM and attaches it to hm.
func NewFSM(stores Stores, r *Registry, hm *HubManager, s *storage.Storage, metrics *Metrics) *FSM {
	f := &FSM{
		stores:  stores,
		r:       r,
		hm:      hm,
		career:  NewCareerBook(stores.Players),
		metrics: metrics,
		storage: s,
	}
	if hm != nil {
		hm.fsm = f
	}
	if s != nil {
		f.loadNodes()
		f.loadAccessPolicy()
	}
	return f
}

// LastAppliedIndex returns the index of the last applied log entry.
func (f *FSM) LastAppliedIndex() uint64 {
	return f.lastAppliedIndex.Load()
}

func (f *FSM) loadNodes() {
	var nodes map[string]*NodeMeta
	if err := f.storage.ReadDataFile(nodesFile, &nodes); err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("fsm: failed to read nodes")
		}
		return
	}
	for k, v := range nodes {
		f.nodeMap.Store(k, v)
	}
}

func (f *FSM) saveNodes() {
	if f.storage == nil {
		return
	}
	if err := f.storage.SaveDataFile(nodesFile, f.nodes()); err != nil {
		log.Error().Err(err).Msg("fsm: failed to save nodes")
	}
}

func (f *FSM) nodes() map[string]*NodeMeta {
	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(k, v any) bool {
		nodes[k.(string)] = v.(*NodeMeta)
		return true
	})
	return nodes
}

func (f *FSM) loadAccessPolicy() {
	var policy UserAccessPolicy
	if err := f.storage.ReadDataFile(accessPolicyFile, &policy); err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("fsm: failed to read access policy")
		}
		return
	}
	f.r.UpdateAccessPolicy(&policy)
}

// GetAllNodes returns node id to HTTP address.
func (f *FSM) GetAllNodes() map[string]string {
	out := make(map[string]string)
	for id, meta := range f.nodes() {
		out[id] = meta.HttpAddr
	}
	return out
}

// GetNodeAddr returns the HTTP address of a node, or "".
func (f *FSM) GetNodeAddr(nodeID string) string {
	if v, ok := f.nodeMap.Load(nodeID); ok {
		return v.(*NodeMeta).HttpAddr
	}
	return ""
}

// Apply applies a Raft log entry.
func (f *FSM) Apply(l *raft.Log) any {
	if len(l.Data) == 0 {
		return nil
	}
	var cmd RaftCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		log.Error().Err(err).Uint64("index", l.Index).Msg("fsm: failed to decode command")
		return err
	}
	res := f.applyCommand(cmd, l.Index)
	f.lastAppliedIndex.Store(l.Index)
	return res
}

// applyCommand returns nil or an error, which Propose hands back to the
// caller on the leader.
func (f *FSM) applyCommand(cmd RaftCommand, index uint64) error {
	switch cmd.Type {
	case CmdApplyAction:
		if cmd.Action == nil {
			return errors.New("missing action payload")
		}
		return f.applyActions(cmd.Action.MatchID, cmd.Action.all(), index)
	case CmdDeleteMatch:
		return f.applyDeleteMatch(cmd.ID, index)
	case CmdSaveDoc:
		return f.applySaveDoc(cmd.Kind, cmd.ID, cmd.Data, index)
	case CmdDeleteDoc:
		return f.applyDeleteDoc(cmd.Kind, cmd.ID, index)
	case CmdNodeMeta:
		if cmd.NodeMeta == nil {
			return errors.New("missing node meta")
		}
		f.nodeMap.Store(cmd.NodeMeta.NodeID, cmd.NodeMeta)
		f.saveNodes()
		return nil
	case CmdNodeLeft:
		if cmd.NodeMeta == nil {
			return errors.New("missing node meta")
		}
		f.nodeMap.Delete(cmd.NodeMeta.NodeID)
		f.saveNodes()
		return nil
	case CmdUpdateAccessPolicy:
		if cmd.PolicyData == nil {
			return errors.New("missing access policy")
		}
		return f.applyUpdateAccessPolicy(cmd.PolicyData)
	}
	return fmt.Errorf("unknown command type: %s", cmd.Type)
}

// loadMatch returns the stored match or an empty one for a new id.
func (f *FSM) loadMatch(id string) (*Match, error) {
	m, err := f.stores.Matches.LoadMatch(id)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load match %s: %w", id, err)
		}
		m = &Match{ID: id}
		m.normalize()
	}
	return m, nil
}

// commitMatch persists m, indexes it and keeps careers in step with its
// completion.
func (f *FSM) commitMatch(m *Match, prevStatus string, index uint64) error {
	if index > 0 {
		m.LastRaftIndex = index
	}
	if err := f.stores.Matches.SaveMatchInMemory(m, f.rm == nil); err != nil {
		return fmt.Errorf("failed to save match %s: %w", m.ID, err)
	}
	f.r.UpdateMatch(m)
	if m.Status == StatusCompleted || prevStatus == StatusCompleted {
		f.syncCareers(m, index)
	}
	if m.Status == StatusCompleted && prevStatus != StatusCompleted {
		f.metrics.RecordCompleted()
		log.Info().Str("match", m.ID).Str("result", m.Metadata().Result).Msg("match completed")
	}
	return nil
}

// syncCareers updates player documents. They are separate writes from the
// match, so a failure is logged rather than undoing the match.
func (f *FSM) syncCareers(m *Match, index uint64) {
	players, err := f.career.Sync(m, index)
	if err != nil {
		log.Error().Err(err).Str("match", m.ID).Msg("career sync failed")
	}
	for _, p := range players {
		f.r.UpdatePlayer(p)
	}
}

func (f *FSM) applyActions(matchID string, actions []json.RawMessage, index uint64) error {
	m, err := f.loadMatch(matchID)
	if err != nil {
		return err
	}
	if index > 0 && index <= m.LastRaftIndex {
		return nil
	}
	if m.Status == StatusDeleted {
		return fmt.Errorf("match %s: %w", matchID, os.ErrNotExist)
	}
	next, applied, err := applyBatch(m, actions)
	if err != nil {
		f.metrics.RecordRejected(err)
		return err
	}
	if len(applied) == 0 && index == 0 {
		return nil
	}
	if err := f.commitMatch(next, m.Status, index); err != nil {
		return err
	}
	f.metrics.RecordApplied(applied)
	if f.hm != nil {
		f.hm.BroadcastToMatch(next, applied)
	}
	return nil
}

func (f *FSM) applyDeleteMatch(id string, index uint64) error {
	existing, err := f.stores.Matches.LoadMatch(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if index > 0 && index <= existing.LastRaftIndex {
		return nil
	}
	if existing.Status == StatusDeleted {
		return nil
	}
	if err := f.stores.Matches.DeleteMatch(id); err != nil {
		return err
	}
	if existing.Status == StatusCompleted {
		existing.Status = StatusDeleted
		f.syncCareers(existing, index)
	}
	tombstone, err := f.stores.Matches.LoadMatch(id)
	if err != nil {
		return err
	}
	f.r.UpdateMatch(tombstone)
	if f.hm != nil {
		f.hm.RemoveHub(id)
	}
	return nil
}

// applySaveDoc writes a team, player or league. Career statistics are
// derived from matches and are never taken from the incoming document.
func (f *FSM) applySaveDoc(kind, id string, data []byte, index uint64) error {
	switch kind {
	case DocTeam:
		var t Team
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("failed to unmarshal team: %w", err)
		}
		t.ID = id
		if existing, err := f.stores.Teams.LoadTeam(id); err == nil && index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
		if index > 0 {
			t.LastRaftIndex = index
		}
		t.normalize()
		if err := f.stores.Teams.SaveTeam(&t); err != nil {
			return err
		}
		f.r.UpdateTeam(&t)
	case DocPlayer:
		var p Player
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal player: %w", err)
		}
		p.ID = id
		p.Contributions = nil
		p.CareerStats = CareerStats{}
		if existing, err := f.stores.Players.LoadPlayer(id); err == nil {
			if index > 0 && index <= existing.LastRaftIndex {
				return nil
			}
			p.Contributions = existing.Contributions
			p.CareerStats = existing.CareerStats
		}
		if index > 0 {
			p.LastRaftIndex = index
		}
		p.normalize()
		if err := f.stores.Players.SavePlayer(&p); err != nil {
			return err
		}
		f.r.UpdatePlayer(&p)
	case DocLeague:
		var l League
		if err := json.Unmarshal(data, &l); err != nil {
			return fmt.Errorf("failed to unmarshal league: %w", err)
		}
		l.ID = id
		if existing, err := f.stores.Leagues.LoadLeague(id); err == nil && index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
		if index > 0 {
			l.LastRaftIndex = index
		}
		l.normalize()
		if err := f.stores.Leagues.SaveLeague(&l); err != nil {
			return err
		}
		f.r.UpdateLeague(&l)
	default:
		return fmt.Errorf("unknown document kind: %q", kind)
	}
	return nil
}

func (f *FSM) applyDeleteDoc(kind, id string, index uint64) error {
	switch kind {
	case DocTeam:
		if existing, err := f.stores.Teams.LoadTeam(id); err == nil && index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
		if err := f.stores.Teams.DeleteTeam(id); err != nil {
			return err
		}
		if t, err := f.stores.Teams.LoadTeam(id); err == nil {
			f.r.UpdateTeam(t)
		}
	case DocPlayer:
		if existing, err := f.stores.Players.LoadPlayer(id); err == nil && index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
		if err := f.stores.Players.DeletePlayer(id); err != nil {
			return err
		}
		if p, err := f.stores.Players.LoadPlayer(id); err == nil {
			f.r.UpdatePlayer(p)
		}
	case DocLeague:
		if existing, err := f.stores.Leagues.LoadLeague(id); err == nil && index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
		if err := f.stores.Leagues.DeleteLeague(id); err != nil {
			return err
		}
		if l, err := f.stores.Leagues.LoadLeague(id); err == nil {
			f.r.UpdateLeague(l)
		}
	default:
		return fmt.Errorf("unknown document kind: %q", kind)
	}
	return nil
}

func (f *FSM) applyUpdateAccessPolicy(policy *UserAccessPolicy) error {
	if f.storage != nil {
		if err := f.storage.SaveDataFile(accessPolicyFile, policy); err != nil {
			return fmt.Errorf("failed to save access policy: %w", err)
		}
	}
	f.r.UpdateAccessPolicy(policy)
	return nil
}

// FSMSnapshot writes the FSM state to a Raft snapshot sink.
type FSMSnapshot struct {
	fsm *FSM
}

// Persist saves the snapshot to the given sink.
func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.fsm.persist(sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release releases the snapshot.
func (s *FSMSnapshot) Release() {}

// Snapshot flushes buffered writes so Persist reads fresh files.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	if err := f.FlushAll(); err != nil {
		log.Error().Err(err).Msg("fsm: snapshot flush failed")
		return nil, err
	}
	if f.storage != nil {
		state := map[string]any{
			"lastAppliedIndex": f.LastAppliedIndex(),
			"timestamp":        time.Now().UnixNano(),
		}
		if err := f.storage.SaveDataFile(fsmStateFile, state); err != nil {
			log.Warn().Err(err).Msg("fsm: failed to save state marker")
		}
	}
	return &FSMSnapshot{fsm: f}, nil
}

// Restore replaces the local state with a snapshot and reindexes it.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	if err := f.restore(rc); err != nil {
		return err
	}
	f.r.Rebuild()
	if f.storage != nil {
		f.loadAccessPolicy()
	}
	if f.hm != nil {
		f.hm.Clear()
	}
	return nil
}

// FlushAll persists buffered writes.
func (f *FSM) FlushAll() error {
	return f.stores.FlushAll()
}
