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
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog/log"
)

// jwksKeys caches a remote key set and refreshes it at most once a minute.
type jwksKeys struct {
	url string

	mu          sync.RWMutex
	keys        jwk.Set
	lastRefresh time.Time
}

func (k *jwksKeys) refresh() error {
	if k.url == "" {
		return errors.New("no JWKS URL provided")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	set, err := jwk.Fetch(ctx, k.url)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	k.mu.Lock()
	k.keys = set
	k.lastRefresh = time.Now()
	k.mu.Unlock()
	return nil
}

func (k *jwksKeys) find(kid string) (any, error) {
	k.mu.RLock()
	set := k.keys
	k.mu.RUnlock()
	if set == nil {
		return nil, errors.New("JWKS not initialized")
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("key %s not found in JWKS", kid)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to materialize key: %w", err)
	}
	return raw, nil
}

func (k *jwksKeys) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA, *jwt.SigningMethodEd25519:
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token missing 'kid' header")
	}
	key, err := k.find(kid)
	if err == nil {
		return key, nil
	}
	k.mu.RLock()
	stale := time.Since(k.lastRefresh) > time.Minute
	k.mu.RUnlock()
	if !stale {
		return nil, err
	}
	if err := k.refresh(); err != nil {
		log.Error().Err(err).Msg("error refreshing JWKS")
		return nil, err
	}
	return k.find(kid)
}

// jwtAuthMiddleware accepts tokens signed by an external identity provider,
// read from cookieName and verified against the provider's JWKS. It only
// runs when no session already identified the user.
func jwtAuthMiddleware(jwksURL, cookieName string, next http.Handler) http.Handler {
	keys := &jwksKeys{url: jwksURL}
	if err := keys.refresh(); err != nil {
		log.Warn().Err(err).Msg("failed to fetch JWKS on startup")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if getUserID(r) != "" {
			next.ServeHTTP(w, r)
			return
		}
		cookie, err := r.Cookie(cookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, err := jwt.Parse(cookie.Value, keys.keyFunc)
		if err != nil || !token.Valid {
			log.Debug().Err(err).Msg("JWT validation failed")
			next.ServeHTTP(w, r)
			return
		}
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if email, ok := claims["email"].(string); ok && email != "" {
				ctx := context.WithValue(r.Context(), userIDKey, normalizeEmail(email))
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
