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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wicketkeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_Layers(t *testing.T) {
	path := writeConfig(t, `
addr: ":9000"
dataDir: /var/lib/wk
raft:
  enabled: true
  httpAdvertise: http://node1:9000
auth:
  sessionTTL: 1h
masterKey: ignored
`)
	t.Setenv("WK_DATA_DIR", "/srv/wk")
	t.Setenv("WK_RAFT_SECRET", "s3cret")
	t.Setenv("WK_MASTER_KEY", "passphrase")
	t.Setenv("WK_ADMINS", "a@example.com,b@example.com")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "/srv/wk", cfg.DataDir, "env overrides file")
	assert.True(t, cfg.Raft.Enabled)
	assert.Equal(t, "s3cret", cfg.Raft.Secret)
	assert.Equal(t, time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, "passphrase", cfg.MasterKey)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Admins)
	assert.NoError(t, cfg.Validate())

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var flags Config
	bindFlags(fs, &flags)
	require.NoError(t, fs.Parse([]string{"--addr=:7000", "--admin=c@example.com"}))
	applyFlags(fs, &cfg, &flags)
	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, "/srv/wk", cfg.DataDir, "unset flags keep loaded value")
	assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com"}, cfg.Admins)
}

func TestLoadConfig_SecretsNotReadFromFile(t *testing.T) {
	path := writeConfig(t, "masterKey: x\njwtSecret: y\nadminPassword: z\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.MasterKey)
	assert.Empty(t, cfg.JWTSecret)
	assert.Empty(t, cfg.AdminPassword)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadConfig(writeConfig(t, "addr: [unterminated"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Raft.Enabled = true
	assert.ErrorContains(t, cfg.Validate(), "WK_RAFT_SECRET")

	cfg.Raft.Secret = "s"
	assert.ErrorContains(t, cfg.Validate(), "--http-advertise")

	cfg.Raft.HTTPAdvertise = "http://localhost:8080"
	cfg.Raft.Bootstrap = true
	cfg.Raft.Join = "http://other:8080"
	assert.ErrorContains(t, cfg.Validate(), "mutually exclusive")

	cfg = DefaultConfig()
	cfg.Login.Burst = 0
	assert.Error(t, cfg.Validate())
}
