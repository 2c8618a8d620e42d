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
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/c2FmZQ/storage"
	"github.com/rs/zerolog/log"
)

// document is implemented by the pointer types kept in a docStore.
type document[T any] interface {
	*T
	docID() string
	normalize()
}

// docStore keeps one encrypted JSON file per document under <dataDir>/<dir>.
// Writes to the same id are serialized.
type docStore[T any, PT document[T]] struct {
	dataDir string
	dir     string
	storage *storage.Storage
	mu      sync.Map // *sync.Mutex per id
}

func newDocStore[T any, PT document[T]](dataDir, dir string, s *storage.Storage) *docStore[T, PT] {
	return &docStore[T, PT]{dataDir: dataDir, dir: dir, storage: s}
}

func (ds *docStore[T, PT]) lock(id string) *sync.Mutex {
	m, _ := ds.mu.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (ds *docStore[T, PT]) filename(id string) string {
	return filepath.Join(ds.dir, url.PathEscape(id)+".json")
}

func (ds *docStore[T, PT]) save(doc PT) error {
	mutex := ds.lock(doc.docID())
	mutex.Lock()
	defer mutex.Unlock()

	if err := ds.storage.SaveDataFile(ds.filename(doc.docID()), doc); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

func (ds *docStore[T, PT]) load(id string) (PT, error) {
	var doc T
	if err := ds.storage.ReadDataFile(ds.filename(id), &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	p := PT(&doc)
	p.normalize()
	return p, nil
}

func (ds *docStore[T, PT]) purge(id string) error {
	mutex := ds.lock(id)
	mutex.Lock()
	defer mutex.Unlock()

	if err := os.Remove(filepath.Join(ds.dataDir, ds.filename(id))); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("could not purge %s file: %w", ds.dir, err)
	}
	return nil
}

func (ds *docStore[T, PT]) ids() ([]string, error) {
	files, err := os.ReadDir(filepath.Join(ds.dataDir, ds.dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read %s directory: %w", ds.dir, err)
	}
	var ids []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(f.Name(), ".json"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (ds *docStore[T, PT]) all() iter.Seq2[PT, error] {
	return func(yield func(PT, error) bool) {
		ids, err := ds.ids()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, id := range ids {
			doc, err := ds.load(id)
			if err != nil {
				log.Warn().Err(err).Str("id", id).Str("kind", ds.dir).Msg("could not load document")
				continue
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}
