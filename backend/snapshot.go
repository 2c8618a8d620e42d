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
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/url"
	"path"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const maxSnapshotEntry = 10 * 1024 * 1024

type snapshotManifest struct {
	NodeMap      map[string]*NodeMeta `json:"nodeMap"`
	RaftIndex    uint64               `json:"raftIndex"`
	AccessPolicy *UserAccessPolicy    `json:"accessPolicy,omitempty"`
}

// persist writes a gzipped tar with a manifest and one entry per document.
func (f *FSM) persist(w io.Writer) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	manifest := snapshotManifest{
		NodeMap:      f.nodes(),
		RaftIndex:    f.LastAppliedIndex(),
		AccessPolicy: f.r.GetAccessPolicy(),
	}
	b, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	if err := writeFileToTar(tw, "manifest.json", b); err != nil {
		return err
	}

	if err := writeDocs(tw, "matches", f.stores.Matches.ListAllMatches(), func(m *Match) string { return m.ID }); err != nil {
		return err
	}
	if err := writeDocs(tw, "teams", f.stores.Teams.ListAllTeams(), func(t *Team) string { return t.ID }); err != nil {
		return err
	}
	if err := writeDocs(tw, "players", f.stores.Players.ListAllPlayers(), func(p *Player) string { return p.ID }); err != nil {
		return err
	}
	if err := writeDocs(tw, "leagues", f.stores.Leagues.ListAllLeagues(), func(l *League) string { return l.ID }); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

func writeDocs[T any](tw *tar.Writer, dir string, docs iter.Seq2[T, error], id func(T) string) error {
	for doc, err := range docs {
		if err != nil {
			return fmt.Errorf("listing %s: %w", dir, err)
		}
		data, err := json.Marshal(doc)
		if err != nil {
			log.Warn().Err(err).Str("id", id(doc)).Msgf("snapshot: failed to marshal %s entry", dir)
			continue
		}
		if err := writeFileToTar(tw, path.Join(dir, url.PathEscape(id(doc))+".json"), data); err != nil {
			return err
		}
	}
	return nil
}

func writeFileToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name: name,
		Size: int64(len(data)),
		Mode: 0644,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// restoreJob writes one decoded document back to its store.
type restoreJob func() error

// restore reads a snapshot written by persist. Documents are written by a
// pool of workers, then documents absent from the snapshot are purged.
func (f *FSM) restore(rc io.Reader) error {
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	seen := map[string]map[string]bool{
		"matches": {},
		"teams":   {},
		"players": {},
		"leagues": {},
	}
	skip := false

	numWorkers := runtime.NumCPU()
	jobs := make(chan restoreJob, numWorkers)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := job(); err != nil {
					select {
					case errCh <- err:
					default:
					}
				}
			}
		}()
	}
	teardown := func() {
		close(jobs)
		wg.Wait()
	}
	submit := func(job restoreJob) error {
		select {
		case jobs <- job:
			return nil
		case err := <-errCh:
			return err
		}
	}

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			teardown()
			return err
		}
		if header.Size > maxSnapshotEntry {
			teardown()
			return fmt.Errorf("snapshot entry %s too large: %d bytes", header.Name, header.Size)
		}

		if header.Name == "manifest.json" {
			var manifest snapshotManifest
			if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
				teardown()
				return err
			}
			for k, v := range manifest.NodeMap {
				f.nodeMap.Store(k, v)
			}
			if manifest.AccessPolicy != nil {
				if err := f.applyUpdateAccessPolicy(manifest.AccessPolicy); err != nil {
					log.Warn().Err(err).Msg("restore: failed to save access policy")
				}
			}
			if local := f.localAppliedIndex(); manifest.RaftIndex > 0 && local >= manifest.RaftIndex {
				log.Info().Uint64("local", local).Uint64("snapshot", manifest.RaftIndex).Msg("restore: local state is current, skipping documents")
				skip = true
			}
			continue
		}
		if skip {
			continue
		}

		dir, _, _ := strings.Cut(header.Name, "/")
		var job restoreJob
		var id string
		switch dir {
		case "matches":
			var m Match
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				continue
			}
			m.normalize()
			id, job = m.ID, func() error { return f.stores.Matches.SaveMatch(&m) }
		case "teams":
			var t Team
			if err := json.NewDecoder(tr).Decode(&t); err != nil {
				continue
			}
			id, job = t.ID, func() error { return f.stores.Teams.SaveTeam(&t) }
		case "players":
			var p Player
			if err := json.NewDecoder(tr).Decode(&p); err != nil {
				continue
			}
			id, job = p.ID, func() error { return f.stores.Players.SavePlayer(&p) }
		case "leagues":
			var l League
			if err := json.NewDecoder(tr).Decode(&l); err != nil {
				continue
			}
			id, job = l.ID, func() error { return f.stores.Leagues.SaveLeague(&l) }
		default:
			log.Warn().Str("entry", header.Name).Msg("restore: unknown snapshot entry")
			continue
		}
		seen[dir][id] = true
		if err := submit(job); err != nil {
			teardown()
			return err
		}
	}

	teardown()
	select {
	case err := <-errCh:
		return err
	default:
	}
	f.saveNodes()
	if skip {
		return nil
	}
	f.purgeZombies(seen)
	return nil
}

// localAppliedIndex reads the index recorded by the last local snapshot.
func (f *FSM) localAppliedIndex() uint64 {
	if f.storage == nil {
		return 0
	}
	var state struct {
		LastAppliedIndex uint64 `json:"lastAppliedIndex"`
	}
	if err := f.storage.ReadDataFile(fsmStateFile, &state); err != nil {
		return 0
	}
	return state.LastAppliedIndex
}

// purgeZombies removes documents that exist locally but not in the
// snapshot just restored.
func (f *FSM) purgeZombies(seen map[string]map[string]bool) {
	ids, err := f.stores.Matches.ListAllMatchIDs()
	if err != nil {
		log.Warn().Err(err).Msg("restore: failed to list matches for cleanup")
	}
	for _, id := range ids {
		if !seen["matches"][id] {
			f.stores.Matches.PurgeMatch(id)
		}
	}
	purge := func(dir string, ids []string, err error, fn func(string) error) {
		if err != nil {
			log.Warn().Err(err).Msgf("restore: failed to list %s for cleanup", dir)
			return
		}
		for _, id := range ids {
			if !seen[dir][id] {
				if err := fn(id); err != nil {
					log.Warn().Err(err).Str("id", id).Msgf("restore: failed to purge %s entry", dir)
				}
			}
		}
	}
	teamIDs, err := f.stores.Teams.docs.ids()
	purge("teams", teamIDs, err, f.stores.Teams.PurgeTeam)
	playerIDs, err := f.stores.Players.docs.ids()
	purge("players", playerIDs, err, f.stores.Players.PurgePlayer)
	leagueIDs, err := f.stores.Leagues.docs.ids()
	purge("leagues", leagueIDs, err, f.stores.Leagues.PurgeLeague)
}
