// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sim runs tinybus nodes against a simulated multi-drop bus.
//
// Each attached Port stands in for one chip's shift register, bit timer and
// line driver. Hardware actions are queued as interrupt events and replayed by
// Step or Run, so whole frames travel between real Node instances one shift
// half at a time.
package sim

import (
	"context"
	"sync"

	"github.com/Thermoquad/tinybus/pkg/tinybus"
	"go.uber.org/zap"
)

// TapFunc sees every byte crossing the bus and returns the byte to deliver.
// index counts bytes since the bus was created.
type TapFunc func(index int, b byte) byte

// BusOption configures a Bus
type BusOption func(*Bus)

// WithTap installs a fault-injection hook on the wire
func WithTap(tap TapFunc) BusOption {
	return func(b *Bus) {
		b.tap = tap
	}
}

// WithLogger sets the logger handed to every attached node
func WithLogger(log *zap.Logger) BusOption {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

type event struct {
	port *Port
	ev   tinybus.Event
}

// Bus is a shared half-duplex line with any number of ports.
//
// All ports share one interrupt mask: while a node's application-facing call
// holds it, no simulated interrupt runs on any port.
type Bus struct {
	irq sync.Mutex // interrupt mask, held while handlers run

	mu    sync.Mutex // guards queue and wire
	queue []event
	wire  []byte

	ports []*Port
	tap   TapFunc
	log   *zap.Logger
}

// NewBus creates an empty bus
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{log: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach adds a port running a node with cfg. The node is initialized and
// shares the bus interrupt mask, so h runs with the mask held and must not
// call SendFrame or IsIdle.
func (b *Bus) Attach(cfg tinybus.Config, h tinybus.FrameHandler, opts ...tinybus.Option) (*Port, error) {
	p := &Port{bus: b}

	nodeOpts := []tinybus.Option{
		tinybus.WithLogger(b.log),
		tinybus.WithInterruptMask(&b.irq),
	}
	n, err := tinybus.NewNode(cfg, p, h, append(nodeOpts, opts...)...)
	if err != nil {
		return nil, err
	}
	p.node = n

	b.irq.Lock()
	b.ports = append(b.ports, p)
	b.irq.Unlock()

	n.Initialize()
	b.log.Debug("port attached", zap.Uint8("address", cfg.Address))
	return p, nil
}

func (b *Bus) enqueue(p *Port, ev tinybus.Event) {
	b.mu.Lock()
	b.queue = append(b.queue, event{port: p, ev: ev})
	b.mu.Unlock()
}

func (b *Bus) next() (event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return event{}, false
	}
	e := b.queue[0]
	b.queue = b.queue[1:]
	return e, true
}

// Pending returns the number of queued interrupt events
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Step processes one queued event. It returns false if the queue was empty.
func (b *Bus) Step() bool {
	b.irq.Lock()
	defer b.irq.Unlock()

	e, ok := b.next()
	if !ok {
		return false
	}

	if e.ev == tinybus.EventOverflow && e.port.transmitting() {
		e.port.halfSent(b)
	}
	e.port.node.Handle(e.ev)
	return true
}

// Run processes events until the queue drains or ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !b.Step() {
			return nil
		}
	}
}

// Preamble drives the two preamble patterns into every port still hunting
// for bus synchronization.
func (b *Bus) Preamble() {
	b.irq.Lock()
	defer b.irq.Unlock()

	for _, p := range b.ports {
		// hunting ports run the bit timer with the register sampling the line
		if !p.timer || !p.sampling {
			continue
		}
		for _, pattern := range []byte{tinybus.Preamble1, tinybus.Preamble2} {
			p.node.HandleEdge()
			p.sampleBits(pattern)
		}
	}
	b.log.Debug("preamble sent")
}

// WireLog returns a copy of every byte that crossed the bus, after the tap.
func (b *Bus) WireLog() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.wire...)
}

// transmit puts a completed wire byte on the line. Called with irq held.
func (b *Bus) transmit(from *Port, w byte) {
	b.mu.Lock()
	index := len(b.wire)
	if b.tap != nil {
		w = b.tap(index, w)
	}
	b.wire = append(b.wire, w)
	b.mu.Unlock()

	for _, p := range b.ports {
		if p == from || !p.edge {
			continue
		}
		p.receive(b, w)
	}
}
