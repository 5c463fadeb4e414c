package orca_hand

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.viam.com/rdk/logging"
)

// RedisCalibrationStore shares calibration records between hosts driving the same hand.
// Records live in one hash per hand, one field per joint.
type RedisCalibrationStore struct {
	rdb    *redis.Client
	hand   string
	logger logging.Logger
}

// CalibrationKey is the hash holding a hand's records.
func CalibrationKey(hand string) string {
	return fmt.Sprintf("orca:%s:calibration", hand)
}

// NewRedisCalibrationStore connects to the redis server at url (redis://host:port/db).
func NewRedisCalibrationStore(url, hand string, logger logging.Logger) (*RedisCalibrationStore, error) {
	if hand == "" {
		return nil, errors.New("hand name cannot be empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis url")
	}
	return &RedisCalibrationStore{
		rdb:    redis.NewClient(opts),
		hand:   hand,
		logger: logger,
	}, nil
}

// Close closes the redis connection.
func (s *RedisCalibrationStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisCalibrationStore) Load(ctx context.Context) (map[string]CalibrationRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, CalibrationKey(s.hand)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read calibration from redis")
	}
	out := make(map[string]CalibrationRecord, len(fields))
	for joint, raw := range fields {
		var record CalibrationRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			s.logger.Warnf("Skipping unreadable calibration for %s: %v", joint, err)
			continue
		}
		out[joint] = record
	}
	return out, nil
}

func (s *RedisCalibrationStore) Save(ctx context.Context, record CalibrationRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to marshal calibration")
	}
	if err := s.rdb.HSet(ctx, CalibrationKey(s.hand), record.Joint, string(data)).Err(); err != nil {
		return errors.Wrap(err, "failed to write calibration to redis")
	}
	s.logger.Infof("Saved calibration for %s to redis hash %s", record.Joint, CalibrationKey(s.hand))
	return nil
}
