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
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrInvalidCredentials is returned when a sign-in is refused.
var ErrInvalidCredentials = errors.New("invalid username or password")

const (
	DefaultAdminUsername = "admin"
	DefaultAdminPassword = "macbook"
	DefaultAdminUserID   = "admin@localhost"
)

// Authenticator checks a sign-in and returns the user id (an email).
type Authenticator interface {
	SignIn(ctx context.Context, identifier, secret string) (string, error)
}

// FallbackAuthenticator accepts one configured credential pair.
type FallbackAuthenticator struct {
	Username string
	Password string
	UserID   string
}

// NewFallbackAuthenticator returns the built-in admin credential. Empty
// arguments take the defaults.
func NewFallbackAuthenticator(username, password, userID string) *FallbackAuthenticator {
	if username == "" {
		username = DefaultAdminUsername
	}
	if password == "" {
		password = DefaultAdminPassword
	}
	if userID == "" {
		userID = DefaultAdminUserID
	}
	return &FallbackAuthenticator{Username: username, Password: password, UserID: normalizeEmail(userID)}
}

func (a *FallbackAuthenticator) SignIn(_ context.Context, identifier, secret string) (string, error) {
	userOK := subtle.ConstantTimeCompare([]byte(identifier), []byte(a.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(secret), []byte(a.Password)) == 1
	if !userOK || !passOK {
		return "", ErrInvalidCredentials
	}
	return a.UserID, nil
}

// RemoteAuthenticator signs in against an email/password endpoint. Calls go
// through a circuit breaker so an unavailable provider fails fast.
type RemoteAuthenticator struct {
	URL     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRemoteAuthenticator creates a RemoteAuthenticator for url.
func NewRemoteAuthenticator(url string, timeout time.Duration) *RemoteAuthenticator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	st := gobreaker.Settings{
		Name:     "remote-auth",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// A refused password is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidCredentials)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
	return &RemoteAuthenticator{
		URL:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

type remoteSignInRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type remoteSignInResponse struct {
	Email   string `json:"email"`
	LocalID string `json:"localId,omitempty"`
}

func (a *RemoteAuthenticator) SignIn(ctx context.Context, identifier, secret string) (string, error) {
	email := normalizeEmail(identifier)
	if !isValidEmail(email) || secret == "" {
		return "", ErrInvalidCredentials
	}
	res, err := a.breaker.Execute(func() (interface{}, error) {
		return a.signIn(ctx, email, secret)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("remote sign-in unavailable: %w", err)
		}
		return "", err
	}
	return res.(string), nil
}

func (a *RemoteAuthenticator) signIn(ctx context.Context, email, secret string) (string, error) {
	body, err := json.Marshal(remoteSignInRequest{Email: email, Password: secret, ReturnSecureToken: true})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("remote sign-in: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", ErrInvalidCredentials
	default:
		return "", fmt.Errorf("remote sign-in: unexpected status %s", resp.Status)
	}
	var out remoteSignInResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&out); err != nil {
		return "", fmt.Errorf("remote sign-in: bad response: %w", err)
	}
	if out.Email == "" {
		out.Email = email
	}
	return normalizeEmail(out.Email), nil
}

// ChainAuthenticator tries each authenticator in order and returns the
// first success.
type ChainAuthenticator []Authenticator

func (c ChainAuthenticator) SignIn(ctx context.Context, identifier, secret string) (string, error) {
	var errs []error
	for _, a := range c {
		userID, err := a.SignIn(ctx, identifier, secret)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, ErrInvalidCredentials) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return "", ErrInvalidCredentials
}
