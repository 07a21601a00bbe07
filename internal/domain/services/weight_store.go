package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"pet-feeder-service/internal/domain/models"
	"pet-feeder-service/internal/infrastructure/config"
)

// InterfaceWeightStore keeps the latest bowl weight per device. Last write wins.
type InterfaceWeightStore interface {
	Set(ctx context.Context, sample models.DeviceWeightSample) error
	Latest(ctx context.Context, deviceID string) (*models.DeviceWeightSample, bool, error)
}

// MemoryWeightStore is the default store; samples are lost on restart.
type MemoryWeightStore struct {
	mu      sync.RWMutex
	samples map[string]models.DeviceWeightSample
}

// NewMemoryWeightStore creates an empty in-process store
func NewMemoryWeightStore() *MemoryWeightStore {
	return &MemoryWeightStore{samples: make(map[string]models.DeviceWeightSample)}
}

// 1 Set overwrites the device's sample
func (s *MemoryWeightStore) Set(_ context.Context, sample models.DeviceWeightSample) error {
	s.mu.Lock()
	s.samples[sample.DeviceID] = sample
	s.mu.Unlock()
	return nil
}

// 2 Latest returns the device's sample, if any
func (s *MemoryWeightStore) Latest(_ context.Context, deviceID string) (*models.DeviceWeightSample, bool, error) {
	s.mu.RLock()
	sample, ok := s.samples[deviceID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return &sample, true, nil
}

// RedisWeightStore shares samples between replicas and keeps them for a TTL.
type RedisWeightStore struct {
	Client *redis.Client
	TTL    time.Duration
}

// NewRedisClient creates a Redis client from configuration
func NewRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisWeightStore wraps client; a zero ttl keeps samples forever
func NewRedisWeightStore(client *redis.Client, ttl time.Duration) *RedisWeightStore {
	return &RedisWeightStore{Client: client, TTL: ttl}
}

func weightKey(deviceID string) string {
	return "pet_feeder:weight:" + deviceID
}

// 1 Set stores the sample as JSON under the device key
func (s *RedisWeightStore) Set(ctx context.Context, sample models.DeviceWeightSample) error {
	jsonValue, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, weightKey(sample.DeviceID), jsonValue, s.TTL).Err()
}

// 2 Latest reads the device key; a missing key is not an error
func (s *RedisWeightStore) Latest(ctx context.Context, deviceID string) (*models.DeviceWeightSample, bool, error) {
	val, err := s.Client.Get(ctx, weightKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var sample models.DeviceWeightSample
	if err := json.Unmarshal([]byte(val), &sample); err != nil {
		return nil, false, err
	}
	return &sample, true, nil
}
