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
	"regexp"
	"testing"
	"time"

	mc "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metriccalc"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"
)

func testEvent() mc.ScaleEvent {
	return mc.ScaleEvent{
		ID:          "7d0d5a4e-3c57-4bd4-9d7f-0e1f0a8e2b11",
		Group:       "web",
		Timestamp:   time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC),
		FromState:   mc.PhaseSteady,
		ToState:     mc.PhaseCooldownUp,
		Action:      mc.ScaleUp,
		Outcome:     mc.OutcomeApplied,
		Reason:      "scale up alarm fired",
		OldCapacity: 1,
		NewCapacity: 2,
	}
}

type countingRecorder struct {
	n int
}

func (c *countingRecorder) Record(ctx context.Context, e mc.ScaleEvent) {
	c.n++
}

func TestMulti(t *testing.T) {
	a, b := &countingRecorder{}, &countingRecorder{}
	m := Multi{a, nil, NewLogRecorder(), b}
	m.Record(context.Background(), testEvent())
	if a.n != 1 || b.n != 1 {
		t.Errorf("recorders got %d and %d events, want 1 each", a.n, b.n)
	}
}

func TestHistoryKey(t *testing.T) {
	if got := HistoryKey("web"); got != "stepscaler:events:web" {
		t.Errorf("HistoryKey() = %q", got)
	}
}

func TestEncodeEvent(t *testing.T) {
	data, err := encodeEvent(testEvent())
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	for k, want := range map[string]interface{}{
		"group":       "web",
		"fromState":   "STEADY",
		"toState":     "COOLDOWN_UP",
		"action":      "up",
		"outcome":     "applied",
		"newCapacity": float64(2),
	} {
		if m[k] != want {
			t.Errorf("%s = %v, want %v", k, m[k], want)
		}
	}
}

func TestRedisRecorderSwallowsErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := newRedisRecorder(client, RedisConfig{Addr: "127.0.0.1:1"})
	defer r.Close()

	if r.length != defaultHistoryLength || r.ttl != defaultHistoryTTL {
		t.Errorf("defaults not applied: %d %s", r.length, r.ttl)
	}
	// must only log
	r.Record(context.Background(), testEvent())
}

func TestNewRedisRecorderFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewRedisRecorder(ctx, RedisConfig{Addr: "127.0.0.1:1"}); err == nil {
		t.Error("NewRedisRecorder() expected error")
	}
}

func TestPostgresRecorder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS scaling_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	r, err := NewPostgresRecorder(context.Background(), db)
	if err != nil {
		t.Fatalf("NewPostgresRecorder() error = %v", err)
	}

	e := testEvent()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scaling_events")).
		WithArgs(e.ID, "web", e.Timestamp, "STEADY", "COOLDOWN_UP", "up", "applied", e.Reason, 1, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	r.Record(context.Background(), e)

	// failures are logged, not returned
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scaling_events")).
		WillReturnError(context.DeadlineExceeded)
	r.Record(context.Background(), e)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresRecorderSchemaError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnError(context.Canceled)
	if _, err := NewPostgresRecorder(context.Background(), db); err == nil {
		t.Error("NewPostgresRecorder() expected error")
	}
}
