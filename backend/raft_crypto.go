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
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
)

const logKeyFile = "raft-log.key"

// loadLogKey reads the Raft log key wrapped by mk from path, or creates it.
func loadLogKey(mk crypto.MasterKey, path string) (crypto.EncryptionKey, error) {
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		key, err := mk.ReadEncryptedKey(f)
		if err != nil {
			return nil, fmt.Errorf("read log key %s: %w", path, err)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	key, err := mk.NewKey()
	if err != nil {
		return nil, fmt.Errorf("new log key: %w", err)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if err := key.WriteEncryptedKey(out); err != nil {
		out.Close()
		return nil, fmt.Errorf("write log key: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, err
	}
	return key, nil
}

// sealedLogStore encrypts the data of every log entry. Indexes, terms and
// types stay in the clear so raft can manage the log without the key.
type sealedLogStore struct {
	raft.LogStore
	key crypto.EncryptionKey
}

func newSealedLogStore(inner raft.LogStore, key crypto.EncryptionKey) *sealedLogStore {
	return &sealedLogStore{LogStore: inner, key: key}
}

func (s *sealedLogStore) seal(l *raft.Log) (*raft.Log, error) {
	if len(l.Data) == 0 {
		return l, nil
	}
	enc, err := s.key.Encrypt(l.Data)
	if err != nil {
		return nil, fmt.Errorf("encrypt log %d: %w", l.Index, err)
	}
	out := *l
	out.Data = enc
	return &out, nil
}

func (s *sealedLogStore) GetLog(index uint64, l *raft.Log) error {
	if err := s.LogStore.GetLog(index, l); err != nil {
		return err
	}
	if len(l.Data) == 0 {
		return nil
	}
	dec, err := s.key.Decrypt(l.Data)
	if err != nil {
		return fmt.Errorf("decrypt log %d: %w", index, err)
	}
	l.Data = dec
	return nil
}

func (s *sealedLogStore) StoreLog(l *raft.Log) error {
	sealed, err := s.seal(l)
	if err != nil {
		return err
	}
	return s.LogStore.StoreLog(sealed)
}

func (s *sealedLogStore) StoreLogs(logs []*raft.Log) error {
	sealed := make([]*raft.Log, len(logs))
	for i, l := range logs {
		var err error
		if sealed[i], err = s.seal(l); err != nil {
			return err
		}
	}
	return s.LogStore.StoreLogs(sealed)
}

// sealedStableStore encrypts stable store values. Uint64 values are stored
// as encrypted 8 byte big endian values.
type sealedStableStore struct {
	inner raft.StableStore
	key   crypto.EncryptionKey
}

func newSealedStableStore(inner raft.StableStore, key crypto.EncryptionKey) *sealedStableStore {
	return &sealedStableStore{inner: inner, key: key}
}

func (s *sealedStableStore) Set(k, v []byte) error {
	enc, err := s.key.Encrypt(v)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", k, err)
	}
	return s.inner.Set(k, enc)
}

// Get returns an empty value for missing keys, like the bolt store.
func (s *sealedStableStore) Get(k []byte) ([]byte, error) {
	v, err := s.inner.Get(k)
	if err != nil || len(v) == 0 {
		return v, err
	}
	dec, err := s.key.Decrypt(v)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", k, err)
	}
	return dec, nil
}

func (s *sealedStableStore) SetUint64(k []byte, v uint64) error {
	return s.Set(k, binary.BigEndian.AppendUint64(nil, v))
}

func (s *sealedStableStore) GetUint64(k []byte) (uint64, error) {
	v, err := s.Get(k)
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return 0, errors.New("not found")
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("%s: unexpected value length %d", k, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}
