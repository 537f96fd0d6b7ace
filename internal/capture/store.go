// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records decoded bus traffic in a SQLite database (WAL mode).
package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

// Record is one captured frame or frame error
type Record struct {
	ID          int64
	ReceivedAt  time.Time
	Type        byte
	Source      byte
	Destination byte
	Length      uint16
	Payload     []byte
	Checksum    byte
	Error       string // empty for valid frames
}

// Valid reports whether the record holds a good frame
func (r Record) Valid() bool {
	return r.Error == ""
}

// Store wraps the capture database
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the capture file at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("capture: ping: %w", err)
	}
	// one writer; WAL keeps readers concurrent
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema. It is idempotent.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(ddlFrames); err != nil {
		return fmt.Errorf("capture: migrate: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// ── DDL ───────────────────────────────────────────────────────────────────

const ddlFrames = `
CREATE TABLE IF NOT EXISTS frames (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    received_at INTEGER NOT NULL,          -- Unix milliseconds
    msg_type    INTEGER NOT NULL,
    source      INTEGER NOT NULL,
    destination INTEGER NOT NULL,
    length      INTEGER NOT NULL,
    payload     BLOB    NOT NULL DEFAULT x'',
    checksum    INTEGER NOT NULL DEFAULT 0,
    error       TEXT    NOT NULL DEFAULT '' -- empty for valid frames
);
CREATE INDEX IF NOT EXISTS idx_frames_received_at ON frames (received_at DESC);
CREATE INDEX IF NOT EXISTS idx_frames_source ON frames (source);
`

// RecordFrame stores a valid frame
func (s *Store) RecordFrame(ctx context.Context, f *tinybus.Frame) error {
	payload := f.Payload()
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO frames (received_at, msg_type, source, destination, length, payload, checksum)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.Timestamp().UnixMilli(), f.Type(), f.Source(), f.Destination(), f.Length(), payload, f.Checksum())
	if err != nil {
		return fmt.Errorf("capture: record frame: %w", err)
	}
	return nil
}

// RecordError stores a rejected frame with whatever header it carried
func (s *Store) RecordError(ctx context.Context, at time.Time, frameErr error) error {
	var fe *tinybus.FrameError
	var msgType, src, dst byte
	var length uint16
	if errors.As(frameErr, &fe) {
		msgType, src, dst, length = fe.Type, fe.Source, fe.Destination, fe.Length
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO frames (received_at, msg_type, source, destination, length, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		at.UnixMilli(), msgType, src, dst, length, frameErr.Error())
	if err != nil {
		return fmt.Errorf("capture: record error: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, received_at, msg_type, source, destination, length, payload, checksum, error
		 FROM frames ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("capture: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ms int64
		if err := rows.Scan(&r.ID, &ms, &r.Type, &r.Source, &r.Destination, &r.Length,
			&r.Payload, &r.Checksum, &r.Error); err != nil {
			return nil, fmt.Errorf("capture: scan: %w", err)
		}
		r.ReceivedAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Counts returns the number of valid frames and errors stored
func (s *Store) Counts(ctx context.Context) (frames, errs int64, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(error = ''), 0), COALESCE(SUM(error != ''), 0) FROM frames`)
	if err := row.Scan(&frames, &errs); err != nil {
		return 0, 0, fmt.Errorf("capture: count: %w", err)
	}
	return frames, errs, nil
}

// Prune keeps only the newest keep records and returns how many were removed.
// keep <= 0 keeps everything.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM frames WHERE id NOT IN (SELECT id FROM frames ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("capture: prune: %w", err)
	}
	return res.RowsAffected()
}
