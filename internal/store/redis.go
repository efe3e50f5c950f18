package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"codespace/pkg/types"
)

// RedisStore keeps sessions as JSON documents so several server processes
// can share them. Layout under the key prefix:
//
//	session:<id>   JSON record
//	sessions       set of all IDs
//	owner:<user>   set of IDs owned by user
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	log       zerolog.Logger
}

// NewRedisStore connects to redisURL and verifies the connection. A positive
// ttl expires idle session records.
func NewRedisStore(redisURL, keyPrefix string, ttl time.Duration, log zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		log:       log.With().Str("component", "session-store").Str("driver", "redis").Logger(),
	}, nil
}

func (s *RedisStore) sessionKey(id string) string { return s.keyPrefix + "session:" + id }
func (s *RedisStore) indexKey() string            { return s.keyPrefix + "sessions" }
func (s *RedisStore) ownerKey(owner string) string { return s.keyPrefix + "owner:" + owner }

// Get retrieves a session by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*types.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}

	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	normalize(&sess)
	return &sess, nil
}

// Put stores the record and its index entries in one transaction.
func (s *RedisStore) Put(ctx context.Context, sess *types.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(sess.ID), data, s.ttl)
		pipe.SAdd(ctx, s.indexKey(), sess.ID)
		pipe.SAdd(ctx, s.ownerKey(sess.OwnerID), sess.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put session: %w", err)
	}
	return nil
}

// Delete removes the record and its index entries.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return s.client.SRem(ctx, s.indexKey(), id).Err()
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(id))
		pipe.SRem(ctx, s.indexKey(), id)
		pipe.SRem(ctx, s.ownerKey(sess.OwnerID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

// List returns all sessions, most recently active first.
func (s *RedisStore) List(ctx context.Context) ([]*types.Session, error) {
	return s.loadSet(ctx, s.indexKey())
}

// ListByOwner returns the sessions owned by ownerID.
func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string) ([]*types.Session, error) {
	return s.loadSet(ctx, s.ownerKey(ownerID))
}

// loadSet resolves the IDs in setKey, pruning IDs whose record has expired.
func (s *RedisStore) loadSet(ctx context.Context, setKey string) ([]*types.Session, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []*types.Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load sessions: %w", err)
	}

	sessions := make([]*types.Session, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var sess types.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			s.log.Warn().Err(err).Str("session_id", ids[i]).Msg("skipping undecodable session")
			continue
		}
		normalize(&sess)
		sessions = append(sessions, &sess)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, setKey, stale...).Err(); err != nil {
			s.log.Warn().Err(err).Msg("failed to prune expired session ids")
		}
	}

	sortByActivity(sessions)
	return sessions, nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func normalize(sess *types.Session) {
	if sess.Participants == nil {
		sess.Participants = map[string]types.Participant{}
	}
	if sess.History == nil {
		sess.History = []types.HistoryEntry{}
	}
	if sess.TypingStats == nil {
		sess.TypingStats = map[string]types.TypingStats{}
	}
}
