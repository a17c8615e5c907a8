package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/realworldbuilder/momentary/internal/session"
)

const redisKeyPrefix = "momentary:session:"

// RedisStore keeps sessions in redis as JSON blobs. Sessions live until
// explicitly deleted; finalization owns cleanup, not a TTL.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Load(ctx context.Context, id string) (*session.Session, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errors.Wrapf(session.ErrSessionNotFound, "id %s", id)
		}
		return nil, errors.Wrap(err, "failed to get session")
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session")
	}
	return &sess, nil
}

func (s *RedisStore) Save(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session id is empty")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session")
	}
	if err := s.client.Set(ctx, redisKeyPrefix+sess.ID, data, 0).Err(); err != nil {
		return errors.Wrap(err, "failed to save session")
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return errors.Wrap(err, "failed to delete session")
	}
	return nil
}
