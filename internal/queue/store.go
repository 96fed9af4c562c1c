package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"rentsync/internal/domain"
)

const DefaultKey = "offline_queue"

// Store mirrors the whole queue under a single key. Storage is best-effort:
// Load never fails and Save errors only signal lost durability.
type Store struct {
	kv  KV
	key string
}

func NewStore(kv KV, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{kv: kv, key: key}
}

// Load returns the persisted queue, or an empty queue when nothing usable is
// stored.
func (s *Store) Load(ctx context.Context) []domain.QueuedAction {
	raw, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("key", s.key).Msg("read offline queue")
		}
		return []domain.QueuedAction{}
	}
	var actions []domain.QueuedAction
	if err := json.Unmarshal(raw, &actions); err != nil {
		log.Warn().Err(err).Str("key", s.key).Msg("discarding corrupt offline queue")
		return []domain.QueuedAction{}
	}
	out := make([]domain.QueuedAction, 0, len(actions))
	for _, a := range actions {
		if a.ID == "" || a.Type == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Save overwrites the stored queue. An empty queue clears the key.
func (s *Store) Save(ctx context.Context, actions []domain.QueuedAction) error {
	if len(actions) == 0 {
		if err := s.kv.Delete(ctx, s.key); err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	return nil
}
