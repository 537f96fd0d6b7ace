// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

import (
	"fmt"

	"go.uber.org/zap"
)

// FrameHandler receives frame-level notifications from a Node. Methods run in
// interrupt context: they must return quickly and must not call back into
// SendFrame or IsIdle, which take the interrupt mask.
type FrameHandler interface {
	SyncAcquired()
	FrameReceived(f *Frame)
	FrameSent()
	FrameError(err error)
}

// HandlerFuncs adapts plain functions to FrameHandler. Nil fields are skipped.
type HandlerFuncs struct {
	OnSyncAcquired  func()
	OnFrameReceived func(f *Frame)
	OnFrameSent     func()
	OnFrameError    func(err error)
}

func (h HandlerFuncs) SyncAcquired() {
	if h.OnSyncAcquired != nil {
		h.OnSyncAcquired()
	}
}

func (h HandlerFuncs) FrameReceived(f *Frame) {
	if h.OnFrameReceived != nil {
		h.OnFrameReceived(f)
	}
}

func (h HandlerFuncs) FrameSent() {
	if h.OnFrameSent != nil {
		h.OnFrameSent()
	}
}

func (h HandlerFuncs) FrameError(err error) {
	if h.OnFrameError != nil {
		h.OnFrameError(err)
	}
}

// Config holds the per-node settings fixed at initialization
type Config struct {
	// Address identifies this node on the bus
	Address byte
	// RequireSync makes the node hunt for the bus preamble before it accepts
	// traffic. Point-to-point links and test harnesses can start idle.
	RequireSync bool
	// MaxPayload bounds received payloads; zero means DefaultMaxPayload
	MaxPayload int
}

// Option configures a Node
type Option func(*Node)

// WithLogger sets the node logger
func WithLogger(log *zap.Logger) Option {
	return func(n *Node) {
		if log != nil {
			n.log = log
		}
	}
}

// WithInterruptMask sets the lock that masks the node's interrupts
func WithInterruptMask(mask InterruptMask) Option {
	return func(n *Node) {
		if mask != nil {
			n.mask = mask
		}
	}
}

// WithStatistics records bus activity into stats
func WithStatistics(stats *Statistics) Option {
	return func(n *Node) {
		n.stats = stats
	}
}

// Node is the frame protocol layer. It owns a Transceiver and turns its
// byte-level events into whole frames, and whole frames into byte sends.
type Node struct {
	cfg     Config
	tr      *Transceiver
	handler FrameHandler
	mask    InterruptMask
	log     *zap.Logger
	stats   *Statistics

	rx receiver

	// in-flight send
	sending bool
	txFrame *Frame
	txIndex int
	txSum   Checksum
}

// NewNode creates a node bound to peripheral p. Call Initialize to start it.
func NewNode(cfg Config, p Peripheral, h FrameHandler, opts ...Option) (*Node, error) {
	if cfg.Address == AddressBroadcast {
		return nil, fmt.Errorf("node address 0x%02X is reserved for broadcast", cfg.Address)
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.MaxPayload < 0 || cfg.MaxPayload > MaxPayloadLimit {
		return nil, fmt.Errorf("max payload %d out of range (1-%d)", cfg.MaxPayload, MaxPayloadLimit)
	}
	if h == nil {
		h = HandlerFuncs{}
	}

	n := &Node{
		cfg:     cfg,
		handler: h,
		mask:    noopMask{},
		log:     zap.NewNop(),
		rx:      newReceiver(cfg.Address, true, cfg.MaxPayload),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With(zap.Uint8("node", cfg.Address))
	n.tr = NewTransceiver(p, nodeLink{n}, n.log)

	return n, nil
}

// Address returns the node address
func (n *Node) Address() byte {
	return n.cfg.Address
}

// Initialize arms the hardware and resets both directions. Depending on
// Config.RequireSync the node starts hunting for the preamble or idle.
func (n *Node) Initialize() {
	n.mask.Lock()
	defer n.mask.Unlock()

	n.rx.reset()
	n.sending = false
	n.txFrame = nil
	n.tr.Start(n.cfg.RequireSync)

	n.log.Debug("initialized",
		zap.Bool("require_sync", n.cfg.RequireSync),
		zap.Stringer("state", n.tr.State()))
}

// IsIdle is true iff the transceiver is idle and no frame is being sent or
// received.
func (n *Node) IsIdle() bool {
	n.mask.Lock()
	defer n.mask.Unlock()
	return n.idle()
}

func (n *Node) idle() bool {
	return n.tr.State() == StateIdle && !n.sending && !n.rx.inFrame()
}

// TransceiverState returns the bit-level state
func (n *Node) TransceiverState() TransceiverState {
	n.mask.Lock()
	defer n.mask.Unlock()
	return n.tr.State()
}

// ReceiveState returns the frame-level receive state
func (n *Node) ReceiveState() ReceiveState {
	n.mask.Lock()
	defer n.mask.Unlock()
	return n.rx.state
}

// SendFrame starts transmitting a frame to destination. It returns
// immediately; FrameSent reports completion. payload is referenced until
// then and must not be modified.
func (n *Node) SendFrame(destination, msgType byte, payload []byte) error {
	if len(payload) > n.cfg.MaxPayload {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), n.cfg.MaxPayload)
	}
	f, err := NewFrame(destination, n.cfg.Address, msgType, payload)
	if err != nil {
		return err
	}

	n.mask.Lock()
	defer n.mask.Unlock()

	if !n.idle() {
		switch n.tr.State() {
		case StateHuntingPreamble1, StateHuntingPreamble2:
			return ErrNotSynchronized
		}
		return ErrBusy
	}

	n.sending = true
	n.txFrame = f
	n.txIndex = 0
	n.txSum = Checksum(SyncByte)

	if err := n.tr.SendSync(); err != nil {
		n.sending = false
		n.txFrame = nil
		return err
	}

	n.log.Debug("send started",
		zap.Uint8("dst", destination),
		zap.Uint8("type", msgType),
		zap.Int("payload", len(payload)))
	return nil
}

// Handle dispatches a hardware event to the transceiver
func (n *Node) Handle(ev Event) {
	n.tr.Handle(ev)
}

// HandleEdge is the data-line edge interrupt entry point
func (n *Node) HandleEdge() {
	n.tr.HandleEdge()
}

// HandleTimer is the bit timer interrupt entry point
func (n *Node) HandleTimer() {
	n.tr.HandleTimer()
}

// HandleOverflow is the shift register overflow interrupt entry point
func (n *Node) HandleOverflow() {
	n.tr.HandleOverflow()
}

// nodeLink keeps the LinkHandler methods off the Node's public surface
type nodeLink struct {
	n *Node
}

func (l nodeLink) SyncAcquired(src SyncSource) {
	l.n.syncAcquired(src)
}

func (l nodeLink) ByteReceived(b byte, err error) {
	l.n.byteReceived(b, err)
}

func (l nodeLink) ByteSent() {
	l.n.byteSent()
}

func (n *Node) syncAcquired(src SyncSource) {
	if n.stats != nil {
		n.stats.RecordSync()
	}

	if src == SyncFromPreamble {
		n.log.Info("synchronized to bus")
		n.handler.SyncAcquired()
		return
	}

	res := n.rx.sync()
	n.dispatch(res)
	n.handler.SyncAcquired()
}

func (n *Node) byteReceived(b byte, err error) {
	if err != nil && n.stats != nil {
		n.stats.RecordEscapeViolation()
	}
	n.dispatch(n.rx.feed(b))
}

func (n *Node) dispatch(res rxResult) {
	switch {
	case res.frame != nil:
		if n.stats != nil {
			n.stats.RecordFrame()
		}
		n.log.Debug("frame received",
			zap.Uint8("src", res.frame.Source()),
			zap.Uint8("type", res.frame.Type()),
			zap.Int("payload", len(res.frame.Payload())))
		n.handler.FrameReceived(res.frame)

	case res.err != nil:
		if n.stats != nil {
			n.stats.RecordError(res.err)
		}
		n.log.Warn("frame error", zap.Error(res.err))
		n.handler.FrameError(res.err)

	case res.ignored:
		if n.stats != nil {
			n.stats.RecordIgnored()
		}

	case res.stray:
		if n.stats != nil {
			n.stats.RecordStray()
		}
	}
}

func (n *Node) byteSent() {
	if !n.sending || n.txFrame == nil {
		return
	}

	f := n.txFrame
	n.txIndex++
	last := f.wireLen() - 1

	var b byte
	switch {
	case n.txIndex < last:
		b = f.byteAt(n.txIndex)
		n.txSum = n.txSum.Add(b)
	case n.txIndex == last:
		b = byte(n.txSum)
	default:
		n.sending = false
		n.txFrame = nil
		if n.stats != nil {
			n.stats.RecordSent()
		}
		n.log.Debug("frame sent", zap.Uint8("dst", f.Destination()))
		n.handler.FrameSent()
		return
	}

	if err := n.tr.SendByte(b); err != nil {
		// only possible if the transceiver left Idle under us
		n.sending = false
		n.txFrame = nil
		n.log.Error("send aborted", zap.Error(err), zap.Int("index", n.txIndex))
		n.handler.FrameError(fmt.Errorf("send aborted at byte %d: %w", n.txIndex, err))
	}
}
