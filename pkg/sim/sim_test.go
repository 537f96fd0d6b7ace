// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sim

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Thermoquad/tinybus/pkg/tinybus"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	syncs  int
	frames []*tinybus.Frame
	sent   int
	errs   []error
}

func (r *recorder) SyncAcquired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs++
}

func (r *recorder) FrameReceived(f *tinybus.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) FrameSent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent++
}

func (r *recorder) FrameError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func attach(t *testing.T, bus *Bus, address byte, requireSync bool) (*Port, *recorder) {
	t.Helper()
	r := &recorder{}
	p, err := bus.Attach(tinybus.Config{Address: address, RequireSync: requireSync}, r)
	require.NoError(t, err)
	return p, r
}

func run(t *testing.T, bus *Bus) {
	t.Helper()
	require.NoError(t, bus.Run(context.Background()))
	require.Zero(t, bus.Pending())
}

func TestSentinelPayloadIsTransparent(t *testing.T) {
	bus := NewBus()
	a, ra := attach(t, bus, 0x01, false)
	b, rb := attach(t, bus, 0x02, false)

	payload := []byte{0xAA, 0x55, 0x00}
	require.NoError(t, a.Send(0x02, 0x10, payload))
	run(t, bus)

	require.Empty(t, rb.errs)
	require.Len(t, rb.frames, 1)
	f := rb.frames[0]
	require.Equal(t, byte(0x10), f.Type())
	require.Equal(t, byte(0x01), f.Source())
	require.Equal(t, payload, f.Payload())

	require.Equal(t, 1, ra.sent)
	require.Empty(t, ra.frames, "sender must not hear itself")
	require.True(t, a.Node().IsIdle())
	require.True(t, b.Node().IsIdle())

	want, err := tinybus.NewFrame(0x02, 0x01, 0x10, payload)
	require.NoError(t, err)
	require.Equal(t, tinybus.EncodeFrame(want), bus.WireLog())
}

func TestCorruptedChecksumIsRejected(t *testing.T) {
	payload := []byte{0x01, 0x02}
	want, err := tinybus.NewFrame(0x02, 0x01, 0x10, payload)
	require.NoError(t, err)
	last := len(tinybus.EncodeFrame(want)) - 1

	bus := NewBus(WithTap(func(index int, b byte) byte {
		if index == last {
			return b ^ 0x04
		}
		return b
	}))
	a, _ := attach(t, bus, 0x01, false)
	b, rb := attach(t, bus, 0x02, false)

	require.NoError(t, a.Send(0x02, 0x10, payload))
	run(t, bus)

	require.Empty(t, rb.frames)
	require.Len(t, rb.errs, 1)
	require.True(t, errors.Is(rb.errs[0], tinybus.ErrChecksumMismatch))
	require.True(t, b.Node().IsIdle())
}

func TestMisaddressedFrameLeavesListenerInSync(t *testing.T) {
	bus := NewBus()
	a, _ := attach(t, bus, 0x01, false)
	b, rb := attach(t, bus, 0x02, false)

	require.NoError(t, a.Send(0x03, 0x10, []byte{0xAA, 0x55, 0x07, 0xAA}))
	run(t, bus)

	require.Empty(t, rb.frames)
	require.Empty(t, rb.errs)
	require.True(t, b.Node().IsIdle())
	require.Equal(t, tinybus.RxIdle, b.Node().ReceiveState())

	require.NoError(t, a.Send(0x02, 0x11, []byte{0x42}))
	run(t, bus)

	require.Len(t, rb.frames, 1)
	require.Equal(t, byte(0x11), rb.frames[0].Type())
	require.Equal(t, []byte{0x42}, rb.frames[0].Payload())
}

func TestEmptyPayload(t *testing.T) {
	bus := NewBus()
	a, ra := attach(t, bus, 0x01, false)
	_, rb := attach(t, bus, 0x02, false)

	require.NoError(t, a.Send(0x02, 0x20, nil))
	run(t, bus)

	require.Len(t, rb.frames, 1)
	require.Empty(t, rb.frames[0].Payload())
	require.Equal(t, uint16(tinybus.MinFrameLength), rb.frames[0].Length())
	require.Equal(t, 1, ra.sent)
}

func TestBroadcastReachesEveryone(t *testing.T) {
	bus := NewBus()
	a, _ := attach(t, bus, 0x01, false)
	_, rb := attach(t, bus, 0x02, false)
	_, rc := attach(t, bus, 0x03, false)

	require.NoError(t, a.Send(tinybus.AddressBroadcast, 0x30, []byte{1, 2, 3}))
	run(t, bus)

	for _, r := range []*recorder{rb, rc} {
		require.Len(t, r.frames, 1)
		require.True(t, r.frames[0].IsBroadcast())
	}
}

func TestRequestReply(t *testing.T) {
	bus := NewBus()
	a, ra := attach(t, bus, 0x01, false)
	b, rb := attach(t, bus, 0x02, false)

	require.NoError(t, a.Send(0x02, 0x01, []byte("ping")))
	run(t, bus)
	require.Len(t, rb.frames, 1)

	req := rb.frames[0]
	require.NoError(t, b.Send(req.Source(), 0x81, []byte("pong")))
	run(t, bus)

	require.Len(t, ra.frames, 1)
	require.Equal(t, []byte("pong"), ra.frames[0].Payload())
	require.Equal(t, byte(0x02), ra.frames[0].Source())
}

func TestPreambleSynchronizes(t *testing.T) {
	bus := NewBus()
	a, ra := attach(t, bus, 0x01, true)
	b, rb := attach(t, bus, 0x02, true)

	require.False(t, a.Node().IsIdle())
	require.ErrorIs(t, a.Send(0x02, 0x10, nil), tinybus.ErrNotSynchronized)
	require.True(t, a.sampling, "hunting ports sample the line")

	bus.Preamble()
	require.False(t, a.shifting)
	require.False(t, b.shifting)
	require.True(t, a.Node().IsIdle())
	require.True(t, b.Node().IsIdle())
	require.Equal(t, 1, ra.syncs)
	require.Equal(t, 1, rb.syncs)

	require.NoError(t, a.Send(0x02, 0x10, []byte{0x55}))
	run(t, bus)
	require.Len(t, rb.frames, 1)
}

func TestSendWhileBusy(t *testing.T) {
	bus := NewBus()
	a, _ := attach(t, bus, 0x01, false)
	attach(t, bus, 0x02, false)

	require.NoError(t, a.Send(0x02, 0x10, []byte{1}))
	require.ErrorIs(t, a.Send(0x02, 0x10, []byte{2}), tinybus.ErrBusy)
	run(t, bus)
	require.NoError(t, a.Send(0x02, 0x10, []byte{3}))
}

func TestRunHonorsContext(t *testing.T) {
	bus := NewBus()
	a, _ := attach(t, bus, 0x01, false)
	attach(t, bus, 0x02, false)
	require.NoError(t, a.Send(0x02, 0x10, []byte{1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, bus.Run(ctx), context.Canceled)
	require.NotZero(t, bus.Pending())
}

func TestAttachRejectsBroadcastAddress(t *testing.T) {
	_, err := NewBus().Attach(tinybus.Config{Address: tinybus.AddressBroadcast}, nil)
	require.Error(t, err)
}
