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
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSessionCookie = "wicketkeeper_session"
	defaultSessionTTL    = 7 * 24 * time.Hour
	loginFlagCookie      = "islogin"
	adminFlagCookie      = "isAdmin"
	sessionIssuer        = "wicketkeeper"
)

// SessionClaims are carried in the signed session cookie.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email   string `json:"email"`
	IsAdmin bool   `json:"isAdmin"`
}

// AuthEvent describes a sign-in or sign-out.
type AuthEvent struct {
	UserID   string
	IsAdmin  bool
	LoggedIn bool
}

// SessionEvents fans auth changes out to in-process listeners.
type SessionEvents struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(AuthEvent)
}

// OnAuthChange registers fn and returns a function that removes it.
func (e *SessionEvents) OnAuthChange(fn func(AuthEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[int]func(AuthEvent))
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *SessionEvents) publish(ev AuthEvent) {
	e.mu.Lock()
	fns := make([]func(AuthEvent), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// SessionManager issues and verifies HS256 session cookies.
type SessionManager struct {
	secret     []byte
	ttl        time.Duration
	cookieName string
	secure     bool
	Events     *SessionEvents
}

// NewSessionManager creates a SessionManager. A nil secret is replaced by a
// random one, which invalidates sessions on restart.
func NewSessionManager(secret []byte, ttl time.Duration, secure bool) *SessionManager {
	if len(secret) == 0 {
		log.Warn().Msg("no session secret configured, sessions will not survive a restart")
		id := uuid.New()
		secret = id[:]
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionManager{
		secret:     secret,
		ttl:        ttl,
		cookieName: DefaultSessionCookie,
		secure:     secure,
		Events:     &SessionEvents{},
	}
}

// Issue signs a token for userID.
func (sm *SessionManager) Issue(userID string, isAdmin bool) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(sm.ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email:   userID,
		IsAdmin: isAdmin,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sm.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return token, exp, nil
}

// Verify checks a token's signature and expiry.
func (sm *SessionManager) Verify(token string) (*SessionClaims, error) {
	var claims SessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return sm.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.Email == "" {
		return nil, errors.New("session without email")
	}
	return &claims, nil
}

// Login sets the session cookie and the presentation flags.
func (sm *SessionManager) Login(w http.ResponseWriter, userID string, isAdmin bool) error {
	token, exp, err := sm.Issue(userID, isAdmin)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
	})
	sm.setFlags(w, exp, "true", strconv.FormatBool(isAdmin))
	sm.Events.publish(AuthEvent{UserID: userID, IsAdmin: isAdmin, LoggedIn: true})
	log.Info().Str("user", maskEmail(userID)).Bool("admin", isAdmin).Msg("signed in")
	return nil
}

// Logout clears every session cookie.
func (sm *SessionManager) Logout(w http.ResponseWriter, userID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   sm.secure,
	})
	sm.setFlags(w, time.Unix(0, 0), "", "")
	if userID != "" {
		sm.Events.publish(AuthEvent{UserID: userID})
		log.Info().Str("user", maskEmail(userID)).Msg("signed out")
	}
}

// setFlags writes the islogin and isAdmin hint cookies. An empty value
// deletes them.
func (sm *SessionManager) setFlags(w http.ResponseWriter, exp time.Time, login, admin string) {
	for name, value := range map[string]string{loginFlagCookie: login, adminFlagCookie: admin} {
		c := &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/",
			Expires:  exp,
			Secure:   sm.secure,
			SameSite: http.SameSiteLaxMode,
		}
		if value == "" {
			c.MaxAge = -1
		}
		http.SetCookie(w, c)
	}
}

// Middleware puts the user id of a valid session cookie in the request
// context. Requests without one pass through anonymously.
func (sm *SessionManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sm.cookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := sm.Verify(cookie.Value)
		if err != nil {
			log.Debug().Err(err).Msg("session validation failed")
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, normalizeEmail(claims.Email))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
