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
	"path/filepath"
	"testing"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogKey(t *testing.T) (crypto.MasterKey, crypto.EncryptionKey, string) {
	t.Helper()
	mk, err := crypto.CreateMasterKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), logKeyFile)
	key, err := loadLogKey(mk, path)
	require.NoError(t, err)
	return mk, key, path
}

func TestLoadLogKey_Persists(t *testing.T) {
	mk, key, path := newTestLogKey(t)
	enc, err := key.Encrypt([]byte("over 12.3"))
	require.NoError(t, err)

	again, err := loadLogKey(mk, path)
	require.NoError(t, err)
	dec, err := again.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "over 12.3", string(dec))
}

func TestSealedLogStore(t *testing.T) {
	_, key, _ := newTestLogKey(t)
	inner := raft.NewInmemStore()
	store := newSealedLogStore(inner, key)

	require.NoError(t, store.StoreLog(&raft.Log{Index: 1, Term: 1, Data: []byte(`{"type":"APPLY_ACTION"}`)}))
	require.NoError(t, store.StoreLogs([]*raft.Log{
		{Index: 2, Term: 1, Data: []byte("second")},
		{Index: 3, Term: 1, Type: raft.LogNoop},
	}))

	var raw raft.Log
	require.NoError(t, inner.GetLog(1, &raw))
	assert.NotContains(t, string(raw.Data), "APPLY_ACTION")

	var got raft.Log
	require.NoError(t, store.GetLog(1, &got))
	assert.Equal(t, `{"type":"APPLY_ACTION"}`, string(got.Data))
	require.NoError(t, store.GetLog(2, &got))
	assert.Equal(t, "second", string(got.Data))
	require.NoError(t, store.GetLog(3, &got))
	assert.Empty(t, got.Data)

	last, err := store.LastIndex()
	require.NoError(t, err)
	assert.EqualValues(t, 3, last)
}

func TestSealedLogStore_WrongKey(t *testing.T) {
	_, key, _ := newTestLogKey(t)
	_, other, _ := newTestLogKey(t)
	inner := raft.NewInmemStore()
	require.NoError(t, newSealedLogStore(inner, key).StoreLog(&raft.Log{Index: 1, Term: 1, Data: []byte("x")}))

	var got raft.Log
	assert.Error(t, newSealedLogStore(inner, other).GetLog(1, &got))
}

func TestSealedStableStore(t *testing.T) {
	_, key, _ := newTestLogKey(t)
	inner := raft.NewInmemStore()
	store := newSealedStableStore(inner, key)

	_, err := store.GetUint64([]byte("CurrentTerm"))
	assert.EqualError(t, err, "not found")

	require.NoError(t, store.SetUint64([]byte("CurrentTerm"), 7))
	term, err := store.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.EqualValues(t, 7, term)

	require.NoError(t, store.Set([]byte("LastVoteCand"), []byte("node-1")))
	raw, err := inner.Get([]byte("LastVoteCand"))
	require.NoError(t, err)
	assert.NotEqual(t, "node-1", string(raw))
	v, err := store.Get([]byte("LastVoteCand"))
	require.NoError(t, err)
	assert.Equal(t, "node-1", string(v))
}

func TestSealedSnapshotStore(t *testing.T) {
	_, key, _ := newTestLogKey(t)
	inner := raft.NewInmemSnapshotStore()
	store := newSealedSnapshotStore(inner, key)

	sink, err := store.Create(raft.SnapshotVersionMax, 10, 2, raft.Configuration{}, 1, nil)
	require.NoError(t, err)
	_, err = sink.Write([]byte(`{"matches":["Lions v Tigers"]}`))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	metas, err := store.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.EqualValues(t, 10, metas[0].Index)

	_, raw, err := inner.Open(metas[0].ID)
	require.NoError(t, err)
	sealed, err := io.ReadAll(raw)
	require.NoError(t, err)
	raw.Close()
	assert.NotContains(t, string(sealed), "Lions")

	_, rc, err := store.Open(metas[0].ID)
	require.NoError(t, err)
	plain, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, `{"matches":["Lions v Tigers"]}`, string(plain))
}
