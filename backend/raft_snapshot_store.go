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
	"io"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
)

const snapshotStreamCtx = "wicketkeeper-raft-snapshot"

// sealedSnapshotStore encrypts snapshots on disk. Open returns the
// plaintext, so raft streams decrypted snapshots to followers, which seal
// them again with their own key.
type sealedSnapshotStore struct {
	raft.SnapshotStore
	key crypto.EncryptionKey
}

func newSealedSnapshotStore(inner raft.SnapshotStore, key crypto.EncryptionKey) *sealedSnapshotStore {
	return &sealedSnapshotStore{SnapshotStore: inner, key: key}
}

func (s *sealedSnapshotStore) Create(version raft.SnapshotVersion, index, term uint64, configuration raft.Configuration, configurationIndex uint64, trans raft.Transport) (raft.SnapshotSink, error) {
	sink, err := s.SnapshotStore.Create(version, index, term, configuration, configurationIndex, trans)
	if err != nil {
		return nil, err
	}
	w, err := s.key.StartWriter([]byte(snapshotStreamCtx), sink)
	if err != nil {
		sink.Cancel()
		return nil, err
	}
	return &sealedSnapshotSink{SnapshotSink: sink, w: w}, nil
}

func (s *sealedSnapshotStore) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	meta, rc, err := s.SnapshotStore.Open(id)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.key.StartReader([]byte(snapshotStreamCtx), rc)
	if err != nil {
		rc.Close()
		return nil, nil, err
	}
	return meta, &openedSnapshot{Reader: r, stream: r, file: rc}, nil
}

type sealedSnapshotSink struct {
	raft.SnapshotSink
	w crypto.StreamWriter
}

func (s *sealedSnapshotSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Close flushes the last encrypted chunk before the snapshot is committed.
func (s *sealedSnapshotSink) Close() error {
	if err := s.w.Close(); err != nil {
		s.SnapshotSink.Cancel()
		return err
	}
	return s.SnapshotSink.Close()
}

func (s *sealedSnapshotSink) Cancel() error {
	s.w.Close()
	return s.SnapshotSink.Cancel()
}

type openedSnapshot struct {
	io.Reader
	stream io.Closer
	file   io.Closer
}

func (o *openedSnapshot) Close() error {
	o.stream.Close()
	return o.file.Close()
}
