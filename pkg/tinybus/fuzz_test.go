// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// randomPayload favors the sentinel values so escaping gets exercised
func randomPayload(rng *rand.Rand, max int) []byte {
	data := make([]byte, rng.Intn(max+1))
	for i := range data {
		switch rng.Intn(4) {
		case 0:
			data[i] = SyncByte
		case 1:
			data[i] = EscapeByte
		default:
			data[i] = byte(rng.Intn(256))
		}
	}
	return data
}

// ============================================================
// Decoder Fuzz Tests
// ============================================================

// TestFuzzDecoder_RandomBytes feeds random bytes to the decoder
// and verifies it doesn't crash or panic
func TestFuzzDecoder_RandomBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		d := NewDecoder()

		length := rng.Intn(512) + 1
		data := make([]byte, length)
		rng.Read(data)

		for _, b := range data {
			d.DecodeByte(b)
		}
	}
}

// TestFuzzDecoder_RandomFrames round-trips random frames through the
// encoder and the decoder
func TestFuzzDecoder_RandomFrames(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		d := NewDecoder()

		payload := randomPayload(rng, DefaultMaxPayload)
		dst := byte(rng.Intn(256))
		src := byte(rng.Intn(255))
		msgType := byte(rng.Intn(256))

		f, err := NewFrame(dst, src, msgType, payload)
		if err != nil {
			t.Fatalf("Round %d: NewFrame: %v", i, err)
		}

		frames, errs := d.Decode(EncodeFrame(f))
		if len(errs) != 0 {
			t.Fatalf("Round %d: unexpected errors %v", i, errs)
		}
		if len(frames) != 1 {
			t.Fatalf("Round %d: expected 1 frame, got %d", i, len(frames))
		}
		got := frames[0]
		if got.Type() != msgType || got.Source() != src || got.Destination() != dst {
			t.Fatalf("Round %d: header mismatch", i)
		}
		if !bytes.Equal(got.Payload(), payload) {
			t.Fatalf("Round %d: payload mismatch", i)
		}
	}
}

// TestFuzzDecoder_CorruptedFrames flips one bit per frame and checks the
// decoder never delivers a frame with the wrong payload
func TestFuzzDecoder_CorruptedFrames(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		d := NewDecoder()

		payload := randomPayload(rng, 32)
		f, _ := NewFrame(0x02, 0x01, 0x10, payload)
		wire := EncodeFrame(f)

		pos := rng.Intn(len(wire))
		wire[pos] ^= 1 << uint(rng.Intn(8))

		frames, _ := d.Decode(wire)
		for _, got := range frames {
			if got.Checksum() != CalculateChecksum(got.Bytes()[:got.wireLen()-1]) {
				t.Fatalf("Round %d: delivered frame with inconsistent checksum", i)
			}
		}
	}
}

// ============================================================
// Node Fuzz Tests
// ============================================================

// TestFuzzNode_Loopback sends random frames between two nodes through the
// shift-register halves and checks the receiver sees them unchanged
func TestFuzzNode_Loopback(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	a, pa, _ := newTestNode(t, 0x01)
	b, pb, hb := newTestNode(t, 0x02)

	for i := 0; i < rounds; i++ {
		payload := randomPayload(rng, 64)
		msgType := byte(rng.Intn(256))
		dst := byte(0x02)
		if rng.Intn(4) == 0 {
			dst = 0x03
		}

		if err := a.SendFrame(dst, msgType, payload); err != nil {
			t.Fatalf("Round %d: SendFrame: %v", i, err)
		}
		before := len(hb.frames)
		deliverAll(b, pb, drainTx(t, a, pa))

		if len(hb.errs) != 0 {
			t.Fatalf("Round %d: unexpected errors %v", i, hb.errs)
		}
		if !b.IsIdle() {
			t.Fatalf("Round %d: receiver not idle (rx=%v)", i, b.ReceiveState())
		}

		if dst != 0x02 {
			if len(hb.frames) != before {
				t.Fatalf("Round %d: misaddressed frame delivered", i)
			}
			continue
		}
		if len(hb.frames) != before+1 {
			t.Fatalf("Round %d: frame not delivered", i)
		}
		got := hb.frames[len(hb.frames)-1]
		if got.Type() != msgType || !bytes.Equal(got.Payload(), payload) {
			t.Fatalf("Round %d: frame mismatch", i)
		}
	}
}

// TestFuzzNode_RandomBytes clocks random wire bytes into a node and checks
// it can still receive a clean frame afterwards
func TestFuzzNode_RandomBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		n, p, h := newTestNode(t, 0x02)

		noise := make([]byte, rng.Intn(128))
		rng.Read(noise)
		deliverAll(n, p, noise)

		// the raw sync restarts parsing whatever state the noise left behind
		f, _ := NewFrame(0x02, 0x01, 0x10, []byte{0x42})
		deliverAll(n, p, EncodeFrame(f))

		found := false
		for _, got := range h.frames {
			if got.Type() == 0x10 && bytes.Equal(got.Payload(), []byte{0x42}) && got.Source() == 0x01 {
				found = true
			}
		}
		if !found {
			t.Fatalf("Round %d: clean frame after noise was lost", i)
		}
	}
}
