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
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

const (
	maxBodySize     = 1 << 20
	retryAfterBusy  = "5"
	defaultPageSize = 50
	maxPageSize     = 100
)

// Options represent server options.
type Options struct {
	Addr      string
	DataDir   string
	Storage   *storage.Storage
	MasterKey crypto.MasterKey
	Debug     bool

	// Raft options
	RaftEnabled           bool
	RaftBind              string
	RaftAdvertise         string
	RaftSecret            string
	RaftJoin              string // HTTP address of a node to join through
	RaftBootstrap         bool
	RaftNodeID            string
	HTTPAdvertise         string // base URL of this node, shared with peers
	UseProductionTimeouts bool

	// Auth options
	SessionSecret  []byte
	SessionTTL     time.Duration
	SecureCookies  bool
	AuthCookieName string
	AuthJWKSURL    string
	AdminUsername  string
	AdminPassword  string
	AdminUserID    string
	RemoteAuthURL  string
	Authenticator  Authenticator // replaces the configured chain when set

	// Access control options
	BootstrapAdmins []string

	// Sign-in attempts allowed per second per client address.
	LoginRate  float64
	LoginBurst int
}

// Server is a running wicketkeeper node.
type Server struct {
	opts Options

	stores   Stores
	registry *Registry
	ac       *AccessControl
	hm       *HubManager
	fsm      *FSM
	raft     *RaftManager
	sessions *SessionManager
	auth     Authenticator
	metrics  *Metrics
	logins   *loginLimiter

	handler    http.Handler
	httpServer *http.Server
}

// NewServer wires the stores, the FSM and, when enabled, Raft, and builds
// the HTTP handler. It does not listen.
func NewServer(opts Options) (*Server, error) {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.Storage == nil {
		if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
			return nil, err
		}
		opts.Storage = storage.New(opts.DataDir, opts.MasterKey)
	}
	if opts.AuthCookieName == "" {
		opts.AuthCookieName = "wicketkeeper_auth"
	}
	if opts.LoginRate <= 0 {
		opts.LoginRate = 1
	}
	if opts.LoginBurst <= 0 {
		opts.LoginBurst = 5
	}

	s := &Server{opts: opts}
	s.metrics = NewMetrics()
	s.stores = NewStores(opts.DataDir, opts.Storage)
	s.registry = NewRegistry(s.stores)

	fallback := NewFallbackAuthenticator(opts.AdminUsername, opts.AdminPassword, opts.AdminUserID)
	admins := append([]string{fallback.UserID}, opts.BootstrapAdmins...)
	s.ac = NewAccessControl(s.registry, admins...)

	s.hm = NewHubManager(s.ac, s.metrics)
	s.fsm = NewFSM(s.stores, s.registry, s.hm, opts.Storage, s.metrics)

	s.sessions = NewSessionManager(opts.SessionSecret, opts.SessionTTL, opts.SecureCookies)
	switch {
	case opts.Authenticator != nil:
		s.auth = opts.Authenticator
	case opts.RemoteAuthURL != "":
		s.auth = ChainAuthenticator{fallback, NewRemoteAuthenticator(opts.RemoteAuthURL, 0)}
	default:
		s.auth = fallback
	}
	s.logins = newLoginLimiter(opts.LoginRate, opts.LoginBurst, maxLoginLimiters)

	if opts.RaftEnabled {
		if opts.RaftSecret == "" {
			return nil, errors.New("raft requires a cluster secret")
		}
		s.raft = NewRaftManager(RaftOptions{
			DataDir:               filepath.Join(opts.DataDir, "raft"),
			Bind:                  opts.RaftBind,
			Advertise:             opts.RaftAdvertise,
			HTTPAddr:              opts.HTTPAdvertise,
			NodeID:                opts.RaftNodeID,
			Secret:                opts.RaftSecret,
			Bootstrap:             opts.RaftBootstrap,
			MasterKey:             opts.MasterKey,
			UseProductionTimeouts: opts.UseProductionTimeouts,
		}, s.fsm)
		if err := s.raft.Start(); err != nil {
			return nil, fmt.Errorf("failed to start raft: %w", err)
		}
		if opts.RaftJoin != "" {
			go s.joinCluster(opts.RaftJoin)
		}
	}

	s.handler = s.routes()
	s.registry.StartGC()
	return s, nil
}

// joinCluster keeps asking the seed node to add us until it succeeds.
func (s *Server) joinCluster(seed string) {
	backoff := time.Second
	for {
		err := s.raft.JoinCluster(seed)
		if err == nil {
			log.Info().Str("seed", seed).Msg("joined cluster")
			return
		}
		log.Warn().Err(err).Str("seed", seed).Msg("cluster join failed, retrying")
		select {
		case <-s.raft.shutdownCh:
			return
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, 30*time.Second)
	}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hubs returns the hub manager, the in-process entry point for loading,
// updating and subscribing to matches.
func (s *Server) Hubs() *HubManager {
	return s.hm
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Serve accepts connections on l until Shutdown. With Raft enabled it first
// waits for the local FSM to catch up with the log.
func (s *Server) Serve(l net.Listener) error {
	if s.raft != nil {
		if err := s.raft.WaitForSync(30 * time.Second); err != nil {
			log.Warn().Err(err).Msg("raft sync timed out")
		}
	}
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", l.Addr().String()).Msg("server listening")
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server, the hubs and Raft, and flushes buffered
// writes.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	s.hm.Shutdown()
	s.registry.StopGC()
	if s.raft != nil {
		if err := s.raft.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("raft: %w", err))
		}
	}
	if err := s.fsm.FlushAll(); err != nil {
		errs = append(errs, fmt.Errorf("fsm flush: %w", err))
	}
	return errors.Join(errs...)
}

// commit runs a command through Raft, or applies it directly on a
// standalone node.
func (s *Server) commit(cmd RaftCommand) error {
	if s.raft != nil {
		_, err := s.raft.Propose(cmd)
		return err
	}
	return s.fsm.applyCommand(cmd, 0)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.metrics.instrument(pattern, h))
	}

	handle("POST /api/login", s.handleLogin)
	handle("POST /api/logout", s.handleLogout)
	handle("GET /api/me", s.handleMe)

	handle("POST /api/action", s.handleAction)
	handle("GET /api/matches", s.handleListMatches)
	handle("GET /api/matches/{id}", s.handleGetMatch)
	handle("DELETE /api/matches/{id}", s.handleDeleteMatch)
	handle("GET /api/scorecard/{id}", s.handleScorecard)
	handle("GET /api/ws", s.handleWS)

	handle("GET /api/teams", s.handleListTeams)
	handle("GET /api/teams/{id}", s.handleGetTeam)
	handle("POST /api/teams", s.handleSaveTeam)
	handle("DELETE /api/teams/{id}", s.handleDeleteTeam)

	handle("GET /api/players", s.handleListPlayers)
	handle("GET /api/players/{id}", s.handleGetPlayer)
	handle("POST /api/players", s.handleSavePlayer)
	handle("DELETE /api/players/{id}", s.handleDeletePlayer)

	handle("GET /api/leagues", s.handleListLeagues)
	handle("GET /api/leagues/{id}", s.handleGetLeague)
	handle("POST /api/leagues", s.handleSaveLeague)
	handle("DELETE /api/leagues/{id}", s.handleDeleteLeague)

	handle("GET /api/admin/policy", s.handleGetPolicy)
	handle("POST /api/admin/policy", s.handlePostPolicy)

	mux.Handle("GET /metrics", s.metrics.Handler())
	if s.raft != nil {
		mux.Handle("/api/cluster/", s.raft.Handler())
	} else {
		mux.HandleFunc("/api/cluster/", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
		})
	}

	var handler http.Handler = mux
	if s.opts.AuthJWKSURL != "" {
		handler = jwtAuthMiddleware(s.opts.AuthJWKSURL, s.opts.AuthCookieName, handler)
	}
	handler = s.sessions.Middleware(handler)
	handler = loggingMiddleware(handler)
	handler = securityMiddleware(handler)
	handler = cacheControlMiddleware(handler)
	return handler
}

// writeError maps an error to a status code. Unexpected errors are logged
// and hidden from the client.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ve *scoring.ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, ErrInvalidAction):
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrInvalidCredentials):
		http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrForbidden):
		http.Error(w, "Forbidden: "+err.Error(), http.StatusForbidden)
	case errors.Is(err, os.ErrNotExist):
		http.Error(w, "Not Found", http.StatusNotFound)
	case errors.Is(err, ErrConflict):
		http.Error(w, "Conflict: "+err.Error(), http.StatusConflict)
	case errors.Is(err, ErrNotLeader):
		if s.raft != nil {
			if leader := s.raft.LeaderHTTPAddr(); leader != "" {
				w.Header().Set("X-Raft-Leader", leader)
			}
		}
		w.Header().Set("Retry-After", retryAfterBusy)
		http.Error(w, "Service Unavailable: not the leader", http.StatusServiceUnavailable)
	case errors.Is(err, errHubsClosed), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", retryAfterBusy)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled):
		// The client went away.
	default:
		log.Error().Err(err).Msg("internal server error")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func generateETag(data []byte) string {
	return fmt.Sprintf("\"%x\"", sha256.Sum256(data))
}

// writeJSON writes v with an ETag and honors If-None-Match.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("json marshal")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	etag := generateETag(data)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", ErrInvalidAction, err)
	}
	return nil
}

// requireUser returns the signed-in user, or an error when there is none or
// the access policy denies them.
func (s *Server) requireUser(r *http.Request) (string, error) {
	userID := getUserID(r)
	if userID == "" || !isValidEmail(userID) {
		return "", ErrUnauthenticated
	}
	if allowed, msg := s.ac.IsAllowed(userID); !allowed {
		return "", fmt.Errorf("%w: %s", ErrForbidden, msg)
	}
	return userID, nil
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit, offset = defaultPageSize, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		offset = v
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset = max(offset, 0)
	return limit, offset
}

type pageMeta struct {
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type page[T any] struct {
	Data []T      `json:"data"`
	Meta pageMeta `json:"meta"`
}

func paginate[T any](items []T, limit, offset int) page[T] {
	p := page[T]{Data: make([]T, 0), Meta: pageMeta{Total: len(items), Offset: offset, Limit: limit}}
	if offset < len(items) {
		p.Data = append(p.Data, items[offset:min(offset+limit, len(items))]...)
	}
	return p
}

// maxLoginLimiters caps how many client addresses are throttled at once.
// The least recently seen address is forgotten first.
const maxLoginLimiters = 10000

// loginLimiter throttles sign-in attempts per client address.
type loginLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	rps      float64
	burst    int
}

func newLoginLimiter(rps float64, burst int, size int) *loginLimiter {
	limiters, _ := lru.New[string, *rate.Limiter](size)
	return &loginLimiter{limiters: limiters, rps: rps, burst: burst}
}

func (l *loginLimiter) Allow(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	l.mu.Lock()
	lim, ok := l.limiters.Get(host)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.limiters.Add(host, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.logins.Allow(r) {
		s.metrics.LoginAttempts.WithLabelValues("throttled").Inc()
		w.Header().Set("Retry-After", retryAfterBusy)
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	} else {
		req.Username, req.Password = r.PostFormValue("username"), r.PostFormValue("password")
	}

	userID, err := s.auth.SignIn(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.metrics.LoginAttempts.WithLabelValues("failure").Inc()
			log.Info().Str("user", maskEmail(req.Username)).Msg("sign-in refused")
		} else {
			s.metrics.LoginAttempts.WithLabelValues("error").Inc()
		}
		s.writeError(w, err)
		return
	}
	if allowed, msg := s.ac.IsAllowed(userID); !allowed {
		s.metrics.LoginAttempts.WithLabelValues("denied").Inc()
		s.writeError(w, fmt.Errorf("%w: %s", ErrForbidden, msg))
		return
	}
	isAdmin := s.ac.IsAdmin(userID)
	if err := s.sessions.Login(w, userID, isAdmin); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.LoginAttempts.WithLabelValues("success").Inc()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"id": userID, "isAdmin": isAdmin})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Logout(w, getUserID(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" || !isValidEmail(userID) {
		s.writeError(w, ErrUnauthenticated)
		return
	}
	allowed, msg := s.ac.IsAllowed(userID)
	maxMatches, maxTeams := s.ac.GetUserQuotas(userID)
	resp := map[string]any{
		"id":      userID,
		"allowed": allowed,
		"message": msg,
		"isAdmin": s.ac.IsAdmin(userID),
		"quotas": map[string]int{
			"maxMatches":  maxMatches,
			"maxTeams":    maxTeams,
			"matchesUsed": s.registry.CountOwnedMatches(userID),
			"teamsUsed":   s.registry.CountOwnedTeams(userID),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	userID, err := s.requireUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var msg Message
	if err := decodeBody(w, r, &msg); err != nil {
		s.writeError(w, err)
		return
	}
	if !isValidUUID(msg.MatchID) {
		s.writeError(w, fmt.Errorf("%w: matchId is missing or invalid", ErrInvalidAction))
		return
	}
	msg.Type = MsgTypeAction
	resp, err := s.hm.SubmitActions(r.Context(), userID, msg)
	if err != nil {
		if errors.Is(err, ErrConflict) && resp != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(resp)
			return
		}
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) loadMatch(r *http.Request) (*Match, error) {
	id := r.PathValue("id")
	if !isValidUUID(id) {
		return nil, fmt.Errorf("%w: invalid match id", ErrInvalidAction)
	}
	userID := getUserID(r)
	if userID != "" {
		if allowed, msg := s.ac.IsAllowed(userID); !allowed {
			return nil, fmt.Errorf("%w: %s", ErrForbidden, msg)
		}
	}
	return s.hm.LoadMatch(r.Context(), id, userID)
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	m, err := s.loadMatch(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, r, m)
}

func (s *Server) handleScorecard(w http.ResponseWriter, r *http.Request) {
	m, err := s.loadMatch(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := WriteScorecard(&buf, m); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(buf.Bytes())
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID != "" {
		if allowed, msg := s.ac.IsAllowed(userID); !allowed {
			s.writeError(w, fmt.Errorf("%w: %s", ErrForbidden, msg))
			return
		}
	}
	q := r.URL.Query()
	limit, offset := parsePagination(r)
	p := paginate(s.registry.ListMatches(userID, q.Get("sortBy"), q.Get("order"), q.Get("q")), limit, offset)

	// Clients holding copies learn which of them were deleted.
	if known := q.Get("known"); known != "" {
		for _, id := range strings.Split(known, ",") {
			if id = strings.TrimSpace(id); s.registry.IsMatchDeleted(id) {
				p.Data = append(p.Data, MatchMetadata{ID: id, Status: StatusDeleted})
			}
		}
	}
	writeJSON(w, r, p)
}

func (s *Server) handleDeleteMatch(w http.ResponseWriter, r *http.Request) {
	userID, err := s.requireUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if !s.registry.MatchExists(id) {
		s.writeError(w, os.ErrNotExist)
		return
	}
	if !s.ac.IsAdmin(userID) && s.registry.MatchAccess(userID, id) < AccessAdmin {
		s.writeError(w, ErrForbidden)
		return
	}
	if err := s.commit(RaftCommand{Type: CmdDeleteMatch, ID: id}); err != nil {
		s.writeError(w, err)
		return
	}
	log.Info().Str("match", id).Str("user", maskEmail(userID)).Msg("match deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if userID := getUserID(r); userID != "" {
		if allowed, msg := s.ac.IsAllowed(userID); !allowed {
			s.writeError(w, fmt.Errorf("%w: %s", ErrForbidden, msg))
			return
		}
	}
	ServeWS(s.hm, w, r)
}

// docID returns the id of a posted document, assigning a new one when empty.
func docID(id string) (string, error) {
	if id == "" {
		return uuid.NewString(), nil
	}
	if !isValidUUID(id) {
		return "", fmt.Errorf("%w: invalid id", ErrInvalidAction)
	}
	return id, nil
}

func (s *Server) saveDoc(w http.ResponseWriter, r *http.Request, kind, id string, doc any) {
	data, err := json.Marshal(doc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.commit(RaftCommand{Type: CmdSaveDoc, Kind: kind, ID: id, Data: data}); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (s *Server) deleteDoc(w http.ResponseWriter, kind, id string) {
	if err := s.commit(RaftCommand{Type: CmdDeleteDoc, Kind: kind, ID: id}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// live returns doc unless it is a tombstone.
func live[T any](doc *T, status string) (*T, error) {
	if status == StatusDeleted {
		return nil, os.ErrNotExist
	}
	return doc, nil
}

func (s *Server) loadTeam(id string) (*Team, error) {
	t, err := s.stores.Teams.LoadTeam(id)
	if err != nil {
		return nil, err
	}
	return live(t, t.Status)
}

func (s *Server) loadPlayer(id string) (*Player, error) {
	p, err := s.stores.Players.LoadPlayer(id)
	if err != nil {
		return nil, err
	}
	return live(p, p.Status)
}

func (s *Server) loadLeague(id string) (*League, error) {
	l, err := s.stores.Leagues.LoadLeague(id)
	if err != nil {
		return nil, err
	}
	return live(l, l.Status)
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireUser(r); err != nil {
		s.writeError(w, err)
		return
	}
	q := r.URL.Query()
	limit, offset := parsePagination(r)
	writeJSON(w, r, paginate(s.registry.ListTeams(q.Get("sortBy"), q.Get("order"), q.Get("q")), limit, offset))
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	userID, err := s.requireUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.loadTeam(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if GetTeamAccess(userID, *t) < AccessRead {
		s.writeError(w, ErrForbidden)
		return
	}
	writeJSON(w, r, t)
}

func (s *Server) handleSaveTeam(w http.ResponseWriter, r *http.Request) {
	userID, err := s.requireUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var t Team
	if err := decodeBody(w, r, &t); err != nil {
		s.writeError(w, err)
		return
	}
	if t.ID, err = docID(t.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := validateStringLen(t.Name, 100, "name"); err != nil {
		s.writeError(w, actionErrorf("%v", err))
		return
	}
	existing, err := s.loadTeam(t.ID)
	switch {
	case err == nil:
		if !s.ac.IsAdmin(userID) && GetTeamAccess(userID, *existing) < AccessAdmin {
			s.writeError(w, ErrForbidden)
			return
		}
		t.OwnerID = existing.OwnerID
	case errors.Is(err, os.ErrNotExist):
		if err := s.ac.CheckTeamQuota(userID, s.registry.CountOwnedTeams(userID)); err != nil {
			s.writeError(w, err)
			return
		}
		t.OwnerID = userID
	default:
		s.writeError(w, err)
		return
	}
	t.Status, t.DeletedAt = "", 0
	t.UpdatedAt = time.Now().UnixMilli()
	s.saveDoc(w, r, DocTeam, t.ID, &t)
}

func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	userID, err := s.requireUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.loadTeam(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.ac.IsAdmin(userID) && GetTeamAccess(userID, *t) < AccessAdmin {
		s.writeError(w, ErrForbidden)
		return
	}
	s.deleteDoc(w, DocTeam, t.ID)
}

func (s *Server) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := parsePagination(r)
	writeJSON(w, r, paginate(s.registry.ListPlayers(q.Get("order"), q.Get("q")), limit, offset))
}

// handleGetPlayer is public: player profiles and career statistics are
// readable without signing in.
func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	p, err := s.loadPlayer(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, r, p)
}

func (s *Server) handleSavePlayer(w http.ResponseWriter, r *http.Request) {
	userID, err := s.requireUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var p Player
	if err := decodeBody(w, r, &p); err != nil {
		s.writeError(w, err)
		return
	}
	if p.ID, err = docID(p.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(p.Name) == "" {
		s.writeError(w, fmt.Errorf("%w: player name is required", ErrInvalidAction))
		return
	}
	if err := validateStringLen(p.Name, 100, "name"); err != nil {
		s.writeError(w, actionErrorf("%v", err))
		return
	}
	switch p.Role {
	case "", RoleBatsman, RoleBowler, RoleAllRounder, RoleWicketKeeper:
	default:
		s.writeError(w, fmt.Errorf("%w: unknown role %q", ErrInvalidAction, p.Role))
		return
	}
	existing, err := s.loadPlayer(p.ID)
	switch {
	case err == nil:
		if !s.ac.IsAdmin(userID) && GetPlayerAccess(userID, *existing, s.stores.Teams) < AccessWrite {
			s.writeError(w, ErrForbidden)
			return
		}
		p.OwnerID = existing.OwnerID
	case errors.Is(err, os.ErrNotExist):
		p.OwnerID = userID
	default:
		s.writeError(w, err)
		return
	}
	p.Status, p.DeletedAt = "", 0
	p.UpdatedAt = time.Now().UnixMilli()
	s.saveDoc(w, r, DocPlayer, p.ID, &p)
}

func (s *Server) handleDeletePlayer(w http.ResponseWriter, r *http.Request) {
	userID, err := s.requireUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.loadPlayer(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.ac.IsAdmin(userID) && GetPlayerAccess(userID, *p, s.stores.Teams) < AccessAdmin {
		s.writeError(w, ErrForbidden)
		return
	}
	s.deleteDoc(w, DocPlayer, p.ID)
}

func (s *Server) handleListLeagues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := parsePagination(r)
	writeJSON(w, r, paginate(s.registry.ListLeagues(q.Get("order"), q.Get("q")), limit, offset))
}

func (s *Server) handleGetLeague(w http.ResponseWriter, r *http.Request) {
	l, err := s.loadLeague(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, r, l)
}

func (s *Server) handleSaveLeague(w http.ResponseWriter, r *http.Request) {
	userID, err := s.requireUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var l League
	if err := decodeBody(w, r, &l); err != nil {
		s.writeError(w, err)
		return
	}
	if l.ID, err = docID(l.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(l.Name) == "" {
		s.writeError(w, fmt.Errorf("%w: league name is required", ErrInvalidAction))
		return
	}
	if _, ok := formatOvers[l.Format]; l.Format != "" && !ok {
		s.writeError(w, fmt.Errorf("%w: unknown format %q", ErrInvalidAction, l.Format))
		return
	}
	switch l.Status {
	case "", StatusUpcoming, StatusOngoing, StatusCompleted:
	default:
		s.writeError(w, fmt.Errorf("%w: invalid league status %q", ErrInvalidAction, l.Status))
		return
	}
	existing, err := s.loadLeague(l.ID)
	switch {
	case err == nil:
		if !s.ac.IsAdmin(userID) && GetLeagueAccess(userID, *existing) < AccessAdmin {
			s.writeError(w, ErrForbidden)
			return
		}
		l.OwnerID = existing.OwnerID
	case errors.Is(err, os.ErrNotExist):
		l.OwnerID = userID
	default:
		s.writeError(w, err)
		return
	}
	l.DeletedAt = 0
	l.UpdatedAt = time.Now().UnixMilli()
	s.saveDoc(w, r, DocLeague, l.ID, &l)
}

func (s *Server) handleDeleteLeague(w http.ResponseWriter, r *http.Request) {
	userID, err := s.requireUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	l, err := s.loadLeague(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.ac.IsAdmin(userID) && GetLeagueAccess(userID, *l) < AccessAdmin {
		s.writeError(w, ErrForbidden)
		return
	}
	s.deleteDoc(w, DocLeague, l.ID)
}

func (s *Server) requireAdmin(r *http.Request) error {
	userID := getUserID(r)
	if userID == "" {
		return ErrUnauthenticated
	}
	if !s.ac.IsAdmin(userID) {
		return ErrForbidden
	}
	return nil
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		s.writeError(w, err)
		return
	}
	policy := s.registry.GetAccessPolicy()
	if policy == nil {
		policy = &UserAccessPolicy{
			DefaultPolicy: "allow",
			Admins:        []string{},
			Users:         make(map[string]UserOverride),
		}
	}
	writeJSON(w, r, policy)
}

func (s *Server) handlePostPolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		s.writeError(w, err)
		return
	}
	var policy UserAccessPolicy
	if err := decodeBody(w, r, &policy); err != nil {
		s.writeError(w, err)
		return
	}
	if policy.DefaultPolicy != "allow" && policy.DefaultPolicy != "deny" {
		s.writeError(w, fmt.Errorf("%w: invalid default policy", ErrInvalidAction))
		return
	}
	users := make(map[string]UserOverride, len(policy.Users))
	for email, o := range policy.Users {
		users[normalizeEmail(email)] = o
	}
	policy.Users = users
	for i, a := range policy.Admins {
		policy.Admins[i] = normalizeEmail(a)
	}
	if err := s.commit(RaftCommand{Type: CmdUpdateAccessPolicy, PolicyData: &policy}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cacheControlMiddleware keeps API responses out of shared caches.
func cacheControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Cache-Control", "private, no-cache, no-transform")
		}
		next.ServeHTTP(w, r)
	})
}

// securityMiddleware adds HTTP security headers to responses.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
	})
}
