// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Statistics tracks frame counts and error rates. It is safe for concurrent
// use: nodes record from interrupt context while tools read snapshots.
type Statistics struct {
	mu sync.Mutex

	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	FramesReceived   uint64
	FramesSent       uint64
	ChecksumErrors   uint64
	MalformedFrames  uint64
	OversizedFrames  uint64
	TruncatedFrames  uint64
	OtherErrors      uint64
	IgnoredFrames    uint64
	EscapeViolations uint64
	StrayBytes       uint64
	SyncEvents       uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

func (s *Statistics) touch() {
	s.LastUpdateTime = time.Now()
}

// RecordFrame counts a valid received frame
func (s *Statistics) RecordFrame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FramesReceived++
	s.touch()
}

// RecordSent counts a completed transmission
func (s *Statistics) RecordSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FramesSent++
	s.touch()
}

// RecordError classifies a frame error
func (s *Statistics) RecordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case errors.Is(err, ErrChecksumMismatch):
		s.ChecksumErrors++
	case errors.Is(err, ErrMalformedLength):
		s.MalformedFrames++
	case errors.Is(err, ErrFrameTooLarge):
		s.OversizedFrames++
	case errors.Is(err, ErrFrameTruncated):
		s.TruncatedFrames++
	default:
		s.OtherErrors++
	}
	s.touch()
}

// RecordIgnored counts a frame skipped for another address
func (s *Statistics) RecordIgnored() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IgnoredFrames++
	s.touch()
}

// RecordEscapeViolation counts an unknown escape code
func (s *Statistics) RecordEscapeViolation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EscapeViolations++
}

// RecordStray counts a data byte received outside a frame
func (s *Statistics) RecordStray() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StrayBytes++
}

// RecordSync counts a synchronization event
func (s *Statistics) RecordSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SyncEvents++
}

// Errors returns the number of rejected frames
func (s *Statistics) Errors() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors()
}

func (s *Statistics) errors() uint64 {
	return s.ChecksumErrors + s.MalformedFrames + s.OversizedFrames + s.TruncatedFrames + s.OtherErrors
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calculateRates()
}

func (s *Statistics) calculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.FramesReceived) / elapsed
		s.ErrorRate = float64(s.errors()) / elapsed
	}
}

// Snapshot returns a copy of the counters with rates filled in
func (s *Statistics) Snapshot() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calculateRates()
	return Statistics{
		StartTime:        s.StartTime,
		LastUpdateTime:   s.LastUpdateTime,
		FramesReceived:   s.FramesReceived,
		FramesSent:       s.FramesSent,
		ChecksumErrors:   s.ChecksumErrors,
		MalformedFrames:  s.MalformedFrames,
		OversizedFrames:  s.OversizedFrames,
		TruncatedFrames:  s.TruncatedFrames,
		OtherErrors:      s.OtherErrors,
		IgnoredFrames:    s.IgnoredFrames,
		EscapeViolations: s.EscapeViolations,
		StrayBytes:       s.StrayBytes,
		SyncEvents:       s.SyncEvents,
		FrameRate:        s.FrameRate,
		ErrorRate:        s.ErrorRate,
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	snap := s.Snapshot()

	total := snap.FramesReceived + snap.errors()
	var validPercent, checksumPercent float64
	if total > 0 {
		validPercent = float64(snap.FramesReceived) * 100.0 / float64(total)
		checksumPercent = float64(snap.ChecksumErrors) * 100.0 / float64(total)
	}

	elapsed := time.Since(snap.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", snap.FramesReceived, validPercent)
	if snap.FramesSent > 0 {
		result += fmt.Sprintf("Sent Frames:     %8d\n", snap.FramesSent)
	}
	if snap.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d (%.1f%%)\n", snap.ChecksumErrors, checksumPercent)
	}
	if snap.MalformedFrames > 0 {
		result += fmt.Sprintf("Malformed:       %8d\n", snap.MalformedFrames)
	}
	if snap.OversizedFrames > 0 {
		result += fmt.Sprintf("Oversized:       %8d\n", snap.OversizedFrames)
	}
	if snap.TruncatedFrames > 0 {
		result += fmt.Sprintf("Truncated:       %8d\n", snap.TruncatedFrames)
	}
	if snap.IgnoredFrames > 0 {
		result += fmt.Sprintf("Ignored:         %8d\n", snap.IgnoredFrames)
	}
	if snap.EscapeViolations > 0 {
		result += fmt.Sprintf("Escape Errors:   %8d\n", snap.EscapeViolations)
	}
	if snap.StrayBytes > 0 {
		result += fmt.Sprintf("Stray Bytes:     %8d\n", snap.StrayBytes)
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", snap.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", snap.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.StartTime = now
	s.LastUpdateTime = now
	s.FramesReceived = 0
	s.FramesSent = 0
	s.ChecksumErrors = 0
	s.MalformedFrames = 0
	s.OversizedFrames = 0
	s.TruncatedFrames = 0
	s.OtherErrors = 0
	s.IgnoredFrames = 0
	s.EscapeViolations = 0
	s.StrayBytes = 0
	s.SyncEvents = 0
	s.FrameRate = 0
	s.ErrorRate = 0
}
