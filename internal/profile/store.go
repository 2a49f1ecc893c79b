package profile

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/talkie-voice-lab/internal/kv"
)

var (
	generationKey = kv.Key{"profile", "generation"}
	snapshotKey   = kv.Key{"profile", "snapshot"}
)

// KVStore keeps the generation and snapshot in a kv.Store.
type KVStore struct {
	kv kv.Store
}

func NewKVStore(s kv.Store) *KVStore { return &KVStore{kv: s} }

func (s *KVStore) ProfileGeneration(ctx context.Context) (uint64, error) {
	b, err := s.kv.Get(ctx, generationKey)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(b), 10, 64)
}

func (s *KVStore) SetProfileGeneration(ctx context.Context, gen uint64) error {
	return s.kv.Set(ctx, generationKey, []byte(strconv.FormatUint(gen, 10)))
}

func (s *KVStore) LoadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	b, err := s.kv.Get(ctx, snapshotKey)
	if errors.Is(err, kv.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *KVStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, snapshotKey, b)
}
