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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const envPrefix = "WK_"

// Config is the server configuration. It is built from defaults, then an
// optional YAML file, then WK_ environment variables, then command line
// flags. Secrets are only read from the environment.
type Config struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	DataDir  string `yaml:"dataDir" env:"DATA_DIR"`
	Debug    bool   `yaml:"debug" env:"DEBUG"`
	LogLevel string `yaml:"logLevel" env:"LOG_LEVEL"`

	Raft  RaftConfig  `yaml:"raft" envPrefix:"RAFT_"`
	Auth  AuthConfig  `yaml:"auth" envPrefix:"AUTH_"`
	Login LoginConfig `yaml:"login" envPrefix:"LOGIN_"`

	Admins []string `yaml:"admins" env:"ADMINS" envSeparator:","`

	MasterKey     string `yaml:"-" env:"MASTER_KEY"`
	JWTSecret     string `yaml:"-" env:"JWT_SECRET"`
	AdminPassword string `yaml:"-" env:"ADMIN_PASSWORD"`
}

type RaftConfig struct {
	Enabled       bool   `yaml:"enabled" env:"ENABLED"`
	Bind          string `yaml:"bind" env:"BIND"`
	Advertise     string `yaml:"advertise" env:"ADVERTISE"`
	HTTPAdvertise string `yaml:"httpAdvertise" env:"HTTP_ADVERTISE"`
	Join          string `yaml:"join" env:"JOIN"`
	Bootstrap     bool   `yaml:"bootstrap" env:"BOOTSTRAP"`
	NodeID        string `yaml:"nodeId" env:"NODE_ID"`
	Secret        string `yaml:"-" env:"SECRET"`
}

type AuthConfig struct {
	SessionTTL    time.Duration `yaml:"sessionTTL" env:"SESSION_TTL"`
	SecureCookies bool          `yaml:"secureCookies" env:"SECURE_COOKIES"`
	CookieName    string        `yaml:"cookieName" env:"COOKIE_NAME"`
	JWKSURL       string        `yaml:"jwksURL" env:"JWKS_URL"`
	RemoteURL     string        `yaml:"remoteURL" env:"REMOTE_URL"`
	AdminUsername string        `yaml:"adminUsername" env:"ADMIN_USERNAME"`
	AdminUserID   string        `yaml:"adminUserID" env:"ADMIN_USER_ID"`
}

type LoginConfig struct {
	Rate  float64 `yaml:"rate" env:"RATE"`
	Burst int     `yaml:"burst" env:"BURST"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Addr:     ":8080",
		DataDir:  "data",
		LogLevel: "info",
		Raft: RaftConfig{
			Bind: ":8081",
		},
		Auth: AuthConfig{
			SessionTTL: 7 * 24 * time.Hour,
			CookieName: "wicketkeeper_auth",
		},
		Login: LoginConfig{
			Rate:  1,
			Burst: 5,
		},
	}
}

// LoadConfig applies the YAML file at path, if any, and the environment on
// top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// bindFlags registers the command line overrides. Values land in f and are
// copied into a loaded Config by applyFlags, only for flags that were set.
func bindFlags(fs *pflag.FlagSet, f *Config) {
	d := DefaultConfig()
	fs.StringVar(&f.Addr, "addr", d.Addr, "The TCP address to listen to")
	fs.StringVar(&f.DataDir, "data-dir", d.DataDir, "Directory for match, team, player and league data")
	fs.BoolVar(&f.Debug, "debug", false, "Enable debug logging")
	fs.StringVar(&f.LogLevel, "log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&f.Raft.Enabled, "raft", false, "Enable Raft replication")
	fs.StringVar(&f.Raft.Bind, "raft-bind", d.Raft.Bind, "Address for Raft TCP transport")
	fs.StringVar(&f.Raft.Advertise, "raft-advertise", "", "Public address for Raft traffic")
	fs.StringVar(&f.Raft.HTTPAdvertise, "http-advertise", "", "Base URL other nodes use to reach this node")
	fs.StringVar(&f.Raft.Join, "raft-join", "", "Base URL of a cluster member to join through")
	fs.BoolVar(&f.Raft.Bootstrap, "raft-bootstrap", false, "Bootstrap the Raft cluster (only for first node)")
	fs.StringVar(&f.Raft.NodeID, "raft-node-id", "", "Raft node id (generated when empty)")
	fs.StringVar(&f.Auth.JWKSURL, "auth-jwks-url", "", "JWKS endpoint of an external identity provider")
	fs.StringVar(&f.Auth.CookieName, "auth-cookie-name", d.Auth.CookieName, "Cookie holding the external identity token")
	fs.StringVar(&f.Auth.RemoteURL, "auth-remote-url", "", "Email/password sign-in endpoint")
	fs.BoolVar(&f.Auth.SecureCookies, "secure-cookies", false, "Mark session cookies Secure")
	fs.StringSliceVar(&f.Admins, "admin", nil, "Email of an admin user, may be repeated")
}

func applyFlags(fs *pflag.FlagSet, cfg *Config, f *Config) {
	fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "addr":
			cfg.Addr = f.Addr
		case "data-dir":
			cfg.DataDir = f.DataDir
		case "debug":
			cfg.Debug = f.Debug
		case "log-level":
			cfg.LogLevel = f.LogLevel
		case "raft":
			cfg.Raft.Enabled = f.Raft.Enabled
		case "raft-bind":
			cfg.Raft.Bind = f.Raft.Bind
		case "raft-advertise":
			cfg.Raft.Advertise = f.Raft.Advertise
		case "http-advertise":
			cfg.Raft.HTTPAdvertise = f.Raft.HTTPAdvertise
		case "raft-join":
			cfg.Raft.Join = f.Raft.Join
		case "raft-bootstrap":
			cfg.Raft.Bootstrap = f.Raft.Bootstrap
		case "raft-node-id":
			cfg.Raft.NodeID = f.Raft.NodeID
		case "auth-jwks-url":
			cfg.Auth.JWKSURL = f.Auth.JWKSURL
		case "auth-cookie-name":
			cfg.Auth.CookieName = f.Auth.CookieName
		case "auth-remote-url":
			cfg.Auth.RemoteURL = f.Auth.RemoteURL
		case "secure-cookies":
			cfg.Auth.SecureCookies = f.Auth.SecureCookies
		case "admin":
			cfg.Admins = append(cfg.Admins, f.Admins...)
		}
	})
}

// Validate checks settings that depend on each other.
func (c Config) Validate() error {
	if c.Raft.Enabled {
		if c.Raft.Secret == "" {
			return errors.New("WK_RAFT_SECRET is required when Raft is enabled")
		}
		if c.Raft.HTTPAdvertise == "" {
			return errors.New("--http-advertise is required when Raft is enabled")
		}
		if c.Raft.Bootstrap && c.Raft.Join != "" {
			return errors.New("--raft-bootstrap and --raft-join are mutually exclusive")
		}
	}
	if c.Login.Rate <= 0 || c.Login.Burst <= 0 {
		return errors.New("login rate and burst must be positive")
	}
	return nil
}
