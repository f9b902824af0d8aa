package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scamguard/backend/internal/analytics/abtest"
	"github.com/scamguard/backend/pkg/logger"
)

const abTestPrefix = "abtest:"

type Client struct {
	client *redis.Client
}

var _ abtest.Repository = (*Client)(nil)

func NewClient(host string, port int, password string, db int) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", addr))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Save stores the full test definition, samples included.
func (c *Client) Save(ctx context.Context, test *abtest.Test) error {
	data, err := json.Marshal(test)
	if err != nil {
		return fmt.Errorf("failed to marshal ab test: %w", err)
	}

	err = c.client.Set(ctx, abTestPrefix+test.ID, data, 0).Err()
	if err != nil {
		return fmt.Errorf("failed to save ab test: %w", err)
	}

	logger.Debug("AB test saved", zap.String("test_id", test.ID), zap.String("status", string(test.Status)))
	return nil
}

func (c *Client) Get(ctx context.Context, id string) (*abtest.Test, bool, error) {
	data, err := c.client.Get(ctx, abTestPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get ab test: %w", err)
	}

	var test abtest.Test
	if err := json.Unmarshal(data, &test); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal ab test: %w", err)
	}
	return &test, true, nil
}

// LoadAll returns every stored test. Undecodable entries are skipped.
func (c *Client) LoadAll(ctx context.Context) ([]*abtest.Test, error) {
	var tests []*abtest.Test

	iter := c.client.Scan(ctx, 0, abTestPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := c.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get ab test: %w", err)
		}

		var test abtest.Test
		if err := json.Unmarshal(data, &test); err != nil {
			logger.Warn("Skipping undecodable ab test", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		tests = append(tests, &test)
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ab test keys: %w", err)
	}

	logger.Debug("AB tests loaded", zap.Int("count", len(tests)))
	return tests, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, abTestPrefix+id).Err()
}
