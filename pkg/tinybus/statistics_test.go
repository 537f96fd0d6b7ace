// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestStatistics_RecordError(t *testing.T) {
	s := NewStatistics()

	s.RecordError(&FrameError{Reason: ErrChecksumMismatch})
	s.RecordError(&FrameError{Reason: ErrMalformedLength})
	s.RecordError(&FrameError{Reason: ErrFrameTooLarge})
	s.RecordError(&FrameError{Reason: ErrFrameTruncated})
	s.RecordError(fmt.Errorf("wrapped: %w", ErrChecksumMismatch))
	s.RecordError(ErrBusy)

	snap := s.Snapshot()
	if snap.ChecksumErrors != 2 {
		t.Errorf("checksum errors = %d, want 2", snap.ChecksumErrors)
	}
	if snap.MalformedFrames != 1 || snap.OversizedFrames != 1 || snap.TruncatedFrames != 1 {
		t.Errorf("classification wrong: malformed=%d oversized=%d truncated=%d",
			snap.MalformedFrames, snap.OversizedFrames, snap.TruncatedFrames)
	}
	if snap.OtherErrors != 1 {
		t.Errorf("other errors = %d, want 1", snap.OtherErrors)
	}
	if s.Errors() != 6 {
		t.Errorf("total errors = %d, want 6", s.Errors())
	}
}

func TestStatistics_StringAndReset(t *testing.T) {
	s := NewStatistics()
	s.RecordFrame()
	s.RecordFrame()
	s.RecordSent()
	s.RecordIgnored()
	s.RecordStray()
	s.RecordEscapeViolation()
	s.RecordSync()

	out := s.String()
	for _, want := range []string{"Valid Frames:", "Sent Frames:", "Ignored:", "Stray Bytes:", "Escape Errors:"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	s.Reset()
	snap := s.Snapshot()
	if snap.FramesReceived != 0 || snap.FramesSent != 0 || snap.SyncEvents != 0 {
		t.Errorf("Reset left counters: received=%d sent=%d syncs=%d",
			snap.FramesReceived, snap.FramesSent, snap.SyncEvents)
	}
}

func TestStatistics_Concurrent(t *testing.T) {
	s := NewStatistics()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.RecordFrame()
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()

	if got := s.Snapshot().FramesReceived; got != 800 {
		t.Errorf("expected 800 frames, got %d", got)
	}
}
