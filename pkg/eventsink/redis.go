/**
 * Copyright (c) 2020 CoCreate LLC
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of
 * this software and associated documentation files (the "Software"), to deal in
 * the Software without restriction, including without limitation the rights to
 * use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
 * the Software, and to permit persons to whom the Software is furnished to do so,
 * subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
 * FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
 * COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
 * IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
 * CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mc "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metriccalc"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "stepscaler:events:"
	// RedisChannel is where every scale event is published
	RedisChannel = "stepscaler:events"

	defaultHistoryLength = 1000
	defaultHistoryTTL    = 7 * 24 * time.Hour
)

// RedisConfig configures the redis recorder
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// HistoryLength is how many events are kept per scaling group
	HistoryLength int64
	// HistoryTTL expires the history of a group no longer scaling
	HistoryTTL time.Duration
}

// RedisRecorder keeps a capped history of scale events per group
// in a redis list and publishes each event on RedisChannel
type RedisRecorder struct {
	client *redis.Client
	length int64
	ttl    time.Duration
	logger logr.Logger
}

// NewRedisRecorder connects to redis and checks the connection
func NewRedisRecorder(ctx context.Context, cfg RedisConfig) (*RedisRecorder, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 3,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", cfg.Addr, err)
	}
	return newRedisRecorder(client, cfg), nil
}

func newRedisRecorder(client *redis.Client, cfg RedisConfig) *RedisRecorder {
	r := &RedisRecorder{
		client: client,
		length: cfg.HistoryLength,
		ttl:    cfg.HistoryTTL,
		logger: logger.WithName("redis").WithValues("addr", cfg.Addr),
	}
	if r.length <= 0 {
		r.length = defaultHistoryLength
	}
	if r.ttl <= 0 {
		r.ttl = defaultHistoryTTL
	}
	return r
}

// HistoryKey is the redis list holding the events of a scaling group, newest first
func HistoryKey(group string) string {
	return redisKeyPrefix + group
}

func encodeEvent(e mc.ScaleEvent) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scale event %s: %w", e.ID, err)
	}
	return data, nil
}

func (r *RedisRecorder) Record(ctx context.Context, e mc.ScaleEvent) {
	data, err := encodeEvent(e)
	if err != nil {
		r.logger.Error(err, "drop scale event")
		return
	}

	key := HistoryKey(e.Group)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, r.length-1)
		pipe.Expire(ctx, key, r.ttl)
		pipe.Publish(ctx, RedisChannel, data)
		return nil
	})
	if err != nil {
		r.logger.Error(err, "failed to store scale event", "id", e.ID, "key", key)
	}
}

// History returns up to n most recent events of group, newest first
func (r *RedisRecorder) History(ctx context.Context, group string, n int64) ([]mc.ScaleEvent, error) {
	raw, err := r.client.LRange(ctx, HistoryKey(group), 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	ret := make([]mc.ScaleEvent, 0, len(raw))
	for _, s := range raw {
		var e mc.ScaleEvent
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			r.logger.Error(err, "skip malformed scale event", "group", group)
			continue
		}
		ret = append(ret, e)
	}
	return ret, nil
}

// Close releases the connections
func (r *RedisRecorder) Close() error {
	return r.client.Close()
}
