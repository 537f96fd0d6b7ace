// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f, err := tinybus.NewFrame(0x02, 0x01, 0x10, []byte{0xAA, 0x55, 0x00})
	require.NoError(t, err)
	require.NoError(t, s.RecordFrame(ctx, f))

	frameErr := &tinybus.FrameError{
		Reason:      tinybus.ErrChecksumMismatch,
		Type:        0x11,
		Source:      0x03,
		Destination: 0x02,
		Length:      9,
	}
	require.NoError(t, s.RecordError(ctx, time.Now(), frameErr))

	recs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// newest first
	require.False(t, recs[0].Valid())
	require.Equal(t, byte(0x03), recs[0].Source)
	require.Contains(t, recs[0].Error, "checksum mismatch")

	require.True(t, recs[1].Valid())
	require.Equal(t, byte(0x10), recs[1].Type)
	require.Equal(t, []byte{0xAA, 0x55, 0x00}, recs[1].Payload)
	require.Equal(t, f.Checksum(), recs[1].Checksum)
	require.Equal(t, uint16(10), recs[1].Length)

	frames, errs, err := s.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), frames)
	require.Equal(t, int64(1), errs)
}

func TestEmptyPayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f, err := tinybus.NewFrame(tinybus.AddressBroadcast, 0x01, 0x20, nil)
	require.NoError(t, err)
	require.NoError(t, s.RecordFrame(ctx, f))

	recs, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Empty(t, recs[0].Payload)
	require.Equal(t, tinybus.AddressBroadcast, recs[0].Destination)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f, err := tinybus.NewFrame(0x02, 0x01, byte(i), nil)
		require.NoError(t, err)
		require.NoError(t, s.RecordFrame(ctx, f))
	}

	n, err := s.Prune(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	recs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, byte(4), recs[0].Type)

	n, err = s.Prune(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Migrate())
	require.NoError(t, s.Migrate())
}
