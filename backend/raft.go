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
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog/log"
)

var ErrNotLeader = errors.New("not leader")

const (
	proposeTimeout = 5 * time.Second
	nodeIDFile     = "node_id"
	secretHeader   = "X-Raft-Secret"
)

// RaftOptions configures a RaftManager.
type RaftOptions struct {
	DataDir   string // Raft log, stable store and snapshots
	Bind      string // "host:port" for Raft transport
	Advertise string // "host:port" other nodes dial; defaults to the bound address
	HTTPAddr  string // base URL of this node's HTTP API, shared with peers
	NodeID    string // generated and persisted when empty
	Secret    string // shared cluster secret for /api/cluster
	Bootstrap bool
	// MasterKey, when set, encrypts everything raft writes to disk.
	MasterKey crypto.MasterKey

	UseProductionTimeouts bool
	LogOutput             io.Writer
}

// RaftManager runs the Raft node that replicates FSM commands.
type RaftManager struct {
	Raft *raft.Raft
	FSM  *FSM
	opts RaftOptions

	NodeID string

	transport   *raft.NetworkTransport
	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
	logKey      crypto.EncryptionKey
	httpClient  *http.Client

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewRaftManager creates a RaftManager and attaches it to fsm.
func NewRaftManager(opts RaftOptions, fsm *FSM) *RaftManager {
	if opts.LogOutput == nil {
		opts.LogOutput = log.Logger.With().Str("component", "raft").Logger()
	}
	rm := &RaftManager{
		FSM:        fsm,
		opts:       opts,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		shutdownCh: make(chan struct{}),
	}
	if fsm != nil {
		fsm.rm = rm
	}
	return rm
}

// loadNodeID returns the configured id, or the one persisted by an earlier
// run, or a new one.
func (rm *RaftManager) loadNodeID() (string, error) {
	if rm.opts.NodeID != "" {
		return rm.opts.NodeID, nil
	}
	st := rm.FSM.storage
	if st == nil {
		return uuid.NewString(), nil
	}
	var id string
	if err := st.ReadDataFile(nodeIDFile, &id); err == nil && id != "" {
		return id, nil
	} else if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	id = uuid.NewString()
	if err := st.SaveDataFile(nodeIDFile, id); err != nil {
		return "", err
	}
	return id, nil
}

// Start opens the stores, starts the transport and, when bootstrapping,
// forms a single node cluster.
func (rm *RaftManager) Start() error {
	id, err := rm.loadNodeID()
	if err != nil {
		return fmt.Errorf("node id: %w", err)
	}
	rm.NodeID = id
	log.Info().Str("node", rm.NodeID).Str("bind", rm.opts.Bind).Msg("starting raft")

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(rm.NodeID)
	if rm.opts.UseProductionTimeouts {
		config.HeartbeatTimeout = 5 * time.Second
		config.ElectionTimeout = 20 * time.Second
		config.LeaderLeaseTimeout = 5 * time.Second
	} else {
		config.HeartbeatTimeout = 1000 * time.Millisecond
		config.ElectionTimeout = 1000 * time.Millisecond
		config.LeaderLeaseTimeout = 500 * time.Millisecond
	}
	config.CommitTimeout = 500 * time.Millisecond
	config.SnapshotInterval = 120 * time.Second
	config.SnapshotThreshold = 8192
	config.LogOutput = rm.opts.LogOutput

	var advertise net.Addr
	if rm.opts.Advertise != "" {
		if advertise, err = net.ResolveTCPAddr("tcp", rm.opts.Advertise); err != nil {
			return fmt.Errorf("advertise address: %w", err)
		}
	}
	transport, err := raft.NewTCPTransport(rm.opts.Bind, advertise, 3, 10*time.Second, rm.opts.LogOutput)
	if err != nil {
		return fmt.Errorf("raft transport: %w", err)
	}
	rm.transport = transport

	if err := os.MkdirAll(rm.opts.DataDir, 0o700); err != nil {
		return err
	}
	if rm.logStore, err = raftboltdb.NewBoltStore(filepath.Join(rm.opts.DataDir, "raft-log.bolt")); err != nil {
		return err
	}
	if rm.stableStore, err = raftboltdb.NewBoltStore(filepath.Join(rm.opts.DataDir, "raft-stable.bolt")); err != nil {
		return err
	}
	fileSnapshots, err := raft.NewFileSnapshotStore(rm.opts.DataDir, 2, rm.opts.LogOutput)
	if err != nil {
		return err
	}
	var snapshots raft.SnapshotStore = fileSnapshots

	var logs raft.LogStore = rm.logStore
	var stable raft.StableStore = rm.stableStore
	if rm.opts.MasterKey != nil {
		if rm.logKey, err = loadLogKey(rm.opts.MasterKey, filepath.Join(rm.opts.DataDir, logKeyFile)); err != nil {
			return err
		}
		logs = newSealedLogStore(rm.logStore, rm.logKey)
		stable = newSealedStableStore(rm.stableStore, rm.logKey)
		snapshots = newSealedSnapshotStore(fileSnapshots, rm.logKey)
	}

	r, err := raft.NewRaft(config, rm.FSM, logs, stable, snapshots, transport)
	if err != nil {
		return err
	}
	rm.Raft = r

	// Our own address is known locally before any log entry replicates it.
	rm.FSM.nodeMap.Store(rm.NodeID, rm.nodeMeta())

	if rm.opts.Bootstrap {
		f := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
		})
		if err := f.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return fmt.Errorf("bootstrap: %w", err)
		}
		go rm.announceSelf()
	}
	return nil
}

func (rm *RaftManager) nodeMeta() *NodeMeta {
	return &NodeMeta{
		NodeID:          rm.NodeID,
		HttpAddr:        rm.opts.HTTPAddr,
		AppVersion:      CurrentAppVersion,
		ProtocolVersion: CurrentProtocolVersion,
		SchemaVersion:   CurrentSchemaVersion,
	}
}

// announceSelf records this node's metadata once it leads the cluster.
func (rm *RaftManager) announceSelf() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-rm.shutdownCh:
			return
		case <-ticker.C:
		}
		if !rm.IsLeader() {
			continue
		}
		if _, err := rm.Propose(RaftCommand{Type: CmdNodeMeta, NodeMeta: rm.nodeMeta()}); err != nil {
			log.Warn().Err(err).Msg("failed to propose node metadata")
		}
		return
	}
}

// LocalAddr is the address of the Raft transport.
func (rm *RaftManager) LocalAddr() string {
	return string(rm.transport.LocalAddr())
}

// IsLeader reports whether this node is the Raft leader.
func (rm *RaftManager) IsLeader() bool {
	return rm.Raft != nil && rm.Raft.State() == raft.Leader
}

// WaitForLeader blocks until the cluster has a leader.
func (rm *RaftManager) WaitForLeader(timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr, _ := rm.Raft.LeaderWithID(); addr != "" {
			return nil
		}
		select {
		case <-deadline:
			return errors.New("timeout waiting for leader")
		case <-ticker.C:
		}
	}
}

// WaitForSync blocks until the FSM has applied all entries currently in the
// log, so a restarted node does not serve stale data.
func (rm *RaftManager) WaitForSync(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if rm.Raft.AppliedIndex() >= rm.Raft.LastIndex() {
			return nil
		}
		select {
		case <-timer.C:
			return fmt.Errorf("timeout waiting for Raft sync (applied: %d, last: %d)", rm.Raft.AppliedIndex(), rm.Raft.LastIndex())
		case <-ticker.C:
		}
	}
}

// Propose commits cmd and returns the FSM's result for it.
func (rm *RaftManager) Propose(cmd RaftCommand) (uint64, error) {
	if !rm.IsLeader() {
		return 0, ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, err
	}
	f := rm.Raft.Apply(data, proposeTimeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return 0, ErrNotLeader
		}
		return 0, err
	}
	if err, ok := f.Response().(error); ok && err != nil {
		return f.Index(), err
	}
	return f.Index(), nil
}

// Join adds a node to the cluster as a voter.
func (rm *RaftManager) Join(nodeID, raftAddr, httpAddr string) error {
	if !rm.IsLeader() {
		return ErrNotLeader
	}
	log.Info().Str("node", nodeID).Str("raft", raftAddr).Str("http", httpAddr).Msg("join request")
	if _, err := rm.Propose(RaftCommand{Type: CmdNodeMeta, NodeMeta: &NodeMeta{NodeID: nodeID, HttpAddr: httpAddr}}); err != nil {
		return fmt.Errorf("failed to store node metadata: %w", err)
	}
	if err := rm.Raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 0).Error(); err != nil {
		return err
	}
	log.Info().Str("node", nodeID).Msg("node joined")
	return nil
}

// Leave removes a node from the cluster.
func (rm *RaftManager) Leave(nodeID string) error {
	if !rm.IsLeader() {
		return ErrNotLeader
	}
	if err := rm.Raft.RemoveServer(raft.ServerID(nodeID), 0, 0).Error(); err != nil {
		return err
	}
	if _, err := rm.Propose(RaftCommand{Type: CmdNodeLeft, NodeMeta: &NodeMeta{NodeID: nodeID}}); err != nil {
		log.Warn().Err(err).Str("node", nodeID).Msg("failed to record node removal")
	}
	log.Info().Str("node", nodeID).Msg("node removed")
	return nil
}

// LeaderHTTPAddr returns the HTTP address of the current leader, or "".
func (rm *RaftManager) LeaderHTTPAddr() string {
	_, leaderID := rm.Raft.LeaderWithID()
	if leaderID == "" {
		return ""
	}
	return rm.FSM.GetNodeAddr(string(leaderID))
}

type joinRequest struct {
	NodeID   string `json:"nodeId"`
	RaftAddr string `json:"raftAddr"`
	HttpAddr string `json:"httpAddr"`
}

// JoinCluster asks the node at leaderHTTP to add this node.
func (rm *RaftManager) JoinCluster(leaderHTTP string) error {
	body, err := json.Marshal(joinRequest{NodeID: rm.NodeID, RaftAddr: rm.LocalAddr(), HttpAddr: rm.opts.HTTPAddr})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(leaderHTTP, "/")+"/api/cluster/join", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, rm.opts.Secret)
	resp, err := rm.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("join via %s: %s: %s", leaderHTTP, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (rm *RaftManager) checkSecret(r *http.Request) bool {
	got := r.Header.Get(secretHeader)
	return rm.opts.Secret != "" && subtle.ConstantTimeCompare([]byte(got), []byte(rm.opts.Secret)) == 1
}

// Handler serves the cluster API. Every route requires the cluster secret.
func (rm *RaftManager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/cluster/status", rm.handleStatus)
	mux.HandleFunc("POST /api/cluster/join", rm.handleJoin)
	mux.HandleFunc("POST /api/cluster/remove", rm.handleRemove)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rm.checkSecret(r) {
			http.Error(w, "Forbidden: Invalid Cluster Secret", http.StatusForbidden)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (rm *RaftManager) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, leaderID := rm.Raft.LeaderWithID()
	status := map[string]any{
		"nodeId":          rm.NodeID,
		"state":           rm.Raft.State().String(),
		"leaderId":        string(leaderID),
		"leaderAddr":      rm.LeaderHTTPAddr(),
		"raftAddr":        rm.LocalAddr(),
		"appliedIndex":    rm.Raft.AppliedIndex(),
		"appVersion":      CurrentAppVersion,
		"protocolVersion": CurrentProtocolVersion,
		"schemaVersion":   CurrentSchemaVersion,
	}
	if f := rm.Raft.GetConfiguration(); f.Error() == nil {
		var nodes []map[string]any
		for _, s := range f.Configuration().Servers {
			nodes = append(nodes, map[string]any{
				"id":       string(s.ID),
				"raftAddr": string(s.Address),
				"httpAddr": rm.FSM.GetNodeAddr(string(s.ID)),
				"suffrage": s.Suffrage.String(),
			})
		}
		status["nodes"] = nodes
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (rm *RaftManager) handleJoin(w http.ResponseWriter, r *http.Request) {
	var data joinRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&data); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if data.NodeID == "" || data.HttpAddr == "" {
		http.Error(w, "Missing required fields: nodeId and httpAddr", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(data.RaftAddr); err != nil {
		http.Error(w, "Invalid raftAddr: must be host:port", http.StatusBadRequest)
		return
	}
	if err := rm.Join(data.NodeID, data.RaftAddr, data.HttpAddr); err != nil {
		if errors.Is(err, ErrNotLeader) {
			w.Header().Set("X-Raft-Leader", rm.LeaderHTTPAddr())
			http.Error(w, "Not the leader", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to join: %v", err), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "Node %s joined cluster", data.NodeID)
}

func (rm *RaftManager) handleRemove(w http.ResponseWriter, r *http.Request) {
	var data struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&data); err != nil || data.NodeID == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if err := rm.Leave(data.NodeID); err != nil {
		if errors.Is(err, ErrNotLeader) {
			w.Header().Set("X-Raft-Leader", rm.LeaderHTTPAddr())
			http.Error(w, "Not the leader", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to remove: %v", err), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "Node %s removed", data.NodeID)
}

// Shutdown steps down if leading, stops Raft and closes the stores.
func (rm *RaftManager) Shutdown() error {
	rm.shutdownOnce.Do(func() { close(rm.shutdownCh) })
	var raftErr error
	if rm.Raft != nil {
		if rm.IsLeader() && len(rm.peers()) > 1 {
			if err := rm.Raft.LeadershipTransfer().Error(); err != nil {
				log.Warn().Err(err).Msg("leadership transfer failed (continuing)")
			}
		}
		raftErr = rm.Raft.Shutdown().Error()
	}
	if rm.transport != nil {
		rm.transport.Close()
	}
	if rm.logStore != nil {
		rm.logStore.Close()
	}
	if rm.stableStore != nil {
		rm.stableStore.Close()
	}
	if rm.logKey != nil {
		rm.logKey.Wipe()
	}
	return raftErr
}

func (rm *RaftManager) peers() []raft.Server {
	f := rm.Raft.GetConfiguration()
	if f.Error() != nil {
		return nil
	}
	return f.Configuration().Servers
}
