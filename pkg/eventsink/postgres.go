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
	"database/sql"
	"fmt"
	"time"

	mc "github.com/CoCreate-app/CoCreateLB/stepscaler/pkg/metriccalc"
	"github.com/go-logr/logr"

	// registers the "pgx" database/sql driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS scaling_events (
	id UUID PRIMARY KEY,
	scaling_group TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	action TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL,
	old_capacity INTEGER NOT NULL,
	new_capacity INTEGER NOT NULL
)`

const insertEventSQL = `INSERT INTO scaling_events
	(id, scaling_group, occurred_at, from_state, to_state, action, outcome, reason, old_capacity, new_capacity)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING`

// PostgresRecorder appends scale events to the scaling_events table
type PostgresRecorder struct {
	db     *sql.DB
	logger logr.Logger
}

// OpenPostgres opens a pool through the pgx driver and checks the connection
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// NewPostgresRecorder creates the table if needed
func NewPostgresRecorder(ctx context.Context, db *sql.DB) (*PostgresRecorder, error) {
	r := &PostgresRecorder{db: db, logger: logger.WithName("postgres")}
	if err := r.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// EnsureSchema creates the scaling_events table if it does not exist
func (r *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create scaling_events table: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) Record(ctx context.Context, e mc.ScaleEvent) {
	_, err := r.db.ExecContext(ctx, insertEventSQL,
		e.ID, e.Group, e.Timestamp.UTC(), string(e.FromState), string(e.ToState),
		string(e.Action), string(e.Outcome), e.Reason, e.OldCapacity, e.NewCapacity)
	if err != nil {
		r.logger.Error(err, "failed to insert scale event", "id", e.ID, "scaling group name", e.Group)
	}
}

// Close closes the pool
func (r *PostgresRecorder) Close() error {
	return r.db.Close()
}
