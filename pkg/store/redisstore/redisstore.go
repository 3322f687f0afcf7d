// Package redisstore keeps recordings in Redis. Each session is a JSON
// metadata key plus a list of JSON-encoded frames; a sorted set scored by
// start time indexes them.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
	"github.com/wilhg/rewind/pkg/session"
	"github.com/wilhg/rewind/pkg/store"
)

// DefaultKeyPrefix namespaces every key written by the store.
const DefaultKeyPrefix = "rewind"

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix replaces DefaultKeyPrefix.
func WithKeyPrefix(p string) Option {
	return func(s *Store) {
		if p != "" {
			s.prefix = p
		}
	}
}

// WithOwnedClient makes Close also close the client.
func WithOwnedClient() Option { return func(s *Store) { s.owned = true } }

// Store implements store.Backend on a Redis client.
type Store struct {
	client *redis.Client
	prefix string
	owned  bool
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultKeyPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dial connects to addr and verifies the connection with PING. The returned
// store owns the client.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore.Dial: ping: %w", err)
	}
	return New(client, append(opts, WithOwnedClient())...), nil
}

// IndexKey is the sorted set holding every session id.
func (s *Store) IndexKey() string { return s.prefix + ":sessions" }

// MetaKey holds the JSON metadata of one session.
func (s *Store) MetaKey(id string) string { return s.prefix + ":session:" + id }

// FramesKey holds the frame list of one session.
func (s *Store) FramesKey(id string) string { return s.prefix + ":session:" + id + ":frames" }

// Save writes metadata, frames and the index entry in one MULTI/EXEC. An id
// that already exists is rejected.
func (s *Store) Save(ctx context.Context, meta session.Session, frames []frame.Frame) (string, error) {
	id := meta.ID
	if id == "" {
		id = uuid.NewString()
	}
	meta.ID = id
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", errmodel.StorageTransaction("save", err)
	}
	encoded := make([]any, 0, len(frames))
	for _, f := range frames {
		b, err := json.Marshal(f)
		if err != nil {
			return "", errmodel.StorageTransaction("save", err)
		}
		encoded = append(encoded, b)
	}

	metaKey, framesKey := s.MetaKey(id), s.FramesKey(id)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, metaKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errmodel.StorageTransaction("save", errmodel.Validation("duplicate_id", "session already stored", map[string]any{"id": id}))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, framesKey)
			if len(encoded) > 0 {
				pipe.RPush(ctx, framesKey, encoded...)
			}
			pipe.Set(ctx, metaKey, metaJSON, 0)
			pipe.ZAdd(ctx, s.IndexKey(), redis.Z{Score: float64(meta.StartTime.UnixMilli()), Member: id})
			return nil
		})
		return err
	}, metaKey)
	if err != nil {
		return "", store.Classify(ctx, "save", err)
	}
	return id, nil
}

// Load returns the session and its frames.
func (s *Store) Load(ctx context.Context, id string) (session.Session, []frame.Frame, error) {
	raw, err := s.client.Get(ctx, s.MetaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Session{}, nil, errmodel.NotFound("session", id)
	}
	if err != nil {
		return session.Session{}, nil, store.Classify(ctx, "load", err)
	}
	var meta session.Session
	if err := json.Unmarshal(raw, &meta); err != nil {
		return session.Session{}, nil, errmodel.StorageTransaction("load", err)
	}
	items, err := s.client.LRange(ctx, s.FramesKey(id), 0, -1).Result()
	if err != nil {
		return session.Session{}, nil, store.Classify(ctx, "load", err)
	}
	var frames []frame.Frame
	for i, item := range items {
		var f frame.Frame
		if err := json.Unmarshal([]byte(item), &f); err != nil {
			return session.Session{}, nil, errmodel.StorageTransaction("load", fmt.Errorf("frame %d: %w", i, err))
		}
		frames = append(frames, f)
	}
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].Seq < frames[j].Seq })
	return meta, frames, nil
}

// List returns every indexed session ordered by start time. Index entries
// whose metadata has vanished are skipped.
func (s *Store) List(ctx context.Context) ([]session.Session, error) {
	ids, err := s.client.ZRange(ctx, s.IndexKey(), 0, -1).Result()
	if err != nil {
		return nil, store.Classify(ctx, "list", err)
	}
	out := make([]session.Session, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.MetaKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, store.Classify(ctx, "list", err)
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var meta session.Session
		if err := json.Unmarshal([]byte(str), &meta); err != nil {
			return nil, errmodel.StorageTransaction("list", err)
		}
		out = append(out, meta)
	}
	return out, nil
}

// Delete removes the session keys and its index entry atomically.
func (s *Store) Delete(ctx context.Context, id string) error {
	metaKey := s.MetaKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, metaKey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return errmodel.NotFound("session", id)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, metaKey, s.FramesKey(id))
			pipe.ZRem(ctx, s.IndexKey(), id)
			return nil
		})
		return err
	}, metaKey)
	return store.Classify(ctx, "delete", err)
}

// Close closes the client when the store owns it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("redisstore.Close: %w", err)
	}
	return nil
}
