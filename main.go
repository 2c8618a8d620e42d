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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ttbt-io/wicketkeeper/backend"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "wicketkeeper",
		Short:         "Cricket scorekeeping server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	root.AddCommand(newServeCmd(&configPath), newReplayCmd(), newInspectCmd(&configPath))
	return root
}

// setupLogging configures the global zerolog logger.
func setupLogging(cfg Config, w io.Writer) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// loadConfig merges the config file, the environment and the flags that
// were set on the command line.
func loadConfig(cmd *cobra.Command, path string, flags *Config) (Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return cfg, err
	}
	applyFlags(cmd.Flags(), &cfg, flags)
	return cfg, nil
}

// openStorage opens the encrypted data directory. The master key is created
// on first use. An existing key file without WK_MASTER_KEY is an error, so
// that encrypted data is never read or overwritten in the clear.
func openStorage(dataDir, passphrase string) (*storage.Storage, crypto.MasterKey, error) {
	keyFile := filepath.Join(dataDir, "master.key")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, err
	}
	var masterKey crypto.MasterKey
	if passphrase != "" {
		var err error
		masterKey, err = crypto.ReadMasterKey([]byte(passphrase), keyFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Info().Msg("initializing new master encryption key")
			if masterKey, err = crypto.CreateMasterKey(); err != nil {
				return nil, nil, fmt.Errorf("create master key: %w", err)
			}
			if err := masterKey.Save([]byte(passphrase), keyFile); err != nil {
				return nil, nil, fmt.Errorf("save master key: %w", err)
			}
		case err != nil:
			return nil, nil, fmt.Errorf("read master key: %w", err)
		default:
			log.Info().Msg("loaded master encryption key")
		}
	} else {
		if _, err := os.Stat(keyFile); err == nil {
			return nil, nil, fmt.Errorf("%s exists but WK_MASTER_KEY is not set, refusing to use unencrypted mode", keyFile)
		}
		log.Warn().Msg("no WK_MASTER_KEY provided, data will be stored UNENCRYPTED")
	}
	store := storage.New(dataDir, masterKey)
	store.EnableCompression(true)
	return store, masterKey, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	var flags Config
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configPath, &flags)
			if err != nil {
				return err
			}
			setupLogging(cfg, os.Stderr)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	bindFlags(cmd.Flags(), &flags)
	return cmd
}

func serve(ctx context.Context, cfg Config) error {
	store, masterKey, err := openStorage(cfg.DataDir, cfg.MasterKey)
	if err != nil {
		return err
	}
	var sessionSecret []byte
	if cfg.JWTSecret != "" {
		sessionSecret = []byte(cfg.JWTSecret)
	} else {
		log.Warn().Msg("no WK_JWT_SECRET provided, sessions will not survive a restart")
	}

	server, err := backend.NewServer(backend.Options{
		Addr:                  cfg.Addr,
		DataDir:               cfg.DataDir,
		Storage:               store,
		MasterKey:             masterKey,
		Debug:                 cfg.Debug,
		RaftEnabled:           cfg.Raft.Enabled,
		RaftBind:              cfg.Raft.Bind,
		RaftAdvertise:         cfg.Raft.Advertise,
		RaftSecret:            cfg.Raft.Secret,
		RaftJoin:              cfg.Raft.Join,
		RaftBootstrap:         cfg.Raft.Bootstrap,
		RaftNodeID:            cfg.Raft.NodeID,
		HTTPAdvertise:         cfg.Raft.HTTPAdvertise,
		UseProductionTimeouts: true,
		SessionSecret:         sessionSecret,
		SessionTTL:            cfg.Auth.SessionTTL,
		SecureCookies:         cfg.Auth.SecureCookies,
		AuthCookieName:        cfg.Auth.CookieName,
		AuthJWKSURL:           cfg.Auth.JWKSURL,
		AdminUsername:         cfg.Auth.AdminUsername,
		AdminPassword:         cfg.AdminPassword,
		AdminUserID:           cfg.Auth.AdminUserID,
		RemoteAuthURL:         cfg.Auth.RemoteURL,
		BootstrapAdmins:       cfg.Admins,
		LoginRate:             cfg.Login.Rate,
		LoginBurst:            cfg.Login.Burst,
	})
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		server.Shutdown(context.Background())
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- server.Serve(l) }()

	select {
	case err := <-errc:
		if err != nil {
			server.Shutdown(context.Background())
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("gracefully stopped")
	return nil
}

// readActionLog accepts either a JSON array of actions or a stored match
// document, whose action log is used.
func readActionLog(data []byte) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var actions []json.RawMessage
		if err := json.Unmarshal(data, &actions); err != nil {
			return nil, err
		}
		return actions, nil
	}
	var m backend.Match
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if len(m.ActionLog) == 0 {
		return nil, errors.New("no actions found")
	}
	return m.ActionLog, nil
}

func newReplayCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "replay <action-log.json>",
		Short: "Rebuild a match from its action log and print the scorecard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			actions, err := readActionLog(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err := backend.ValidateActions(actions); err != nil {
				return err
			}
			m, err := backend.RebuildMatch(actions)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(m)
			}
			return backend.WriteScorecard(out, m)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the rebuilt match document instead of a scorecard")
	return cmd
}

// docForPath returns an empty document of the type stored at path.
func docForPath(path string) (any, error) {
	dir, _, _ := strings.Cut(filepath.ToSlash(path), "/")
	switch dir {
	case "matches":
		if strings.HasSuffix(path, ".meta.json") {
			return new(backend.MatchMetadata), nil
		}
		return new(backend.Match), nil
	case "teams":
		return new(backend.Team), nil
	case "players":
		return new(backend.Player), nil
	case "leagues":
		return new(backend.League), nil
	}
	return nil, fmt.Errorf("unknown document type: %s", path)
}

func newInspectCmd(configPath *string) *cobra.Command {
	var flags Config
	cmd := &cobra.Command{
		Use:   "inspect <file>...",
		Short: "Decrypt and print stored documents as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath, &flags)
			if err != nil {
				return err
			}
			setupLogging(cfg, cmd.ErrOrStderr())
			store, _, err := openStorage(cfg.DataDir, cfg.MasterKey)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			var errs []error
			prefix := filepath.Clean(cfg.DataDir) + string(filepath.Separator)
			for _, arg := range args {
				arg = strings.TrimPrefix(filepath.Clean(arg), prefix)
				obj, err := docForPath(arg)
				if err == nil {
					err = store.ReadDataFile(arg, obj)
				}
				if err != nil {
					log.Error().Err(err).Str("file", arg).Msg("inspect")
					errs = append(errs, fmt.Errorf("%s: %w", arg, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "=========== %s ===========\n", arg)
				if err := enc.Encode(obj); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", arg, err))
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&flags.DataDir, "data-dir", DefaultConfig().DataDir, "Directory for match, team, player and league data")
	return cmd
}
