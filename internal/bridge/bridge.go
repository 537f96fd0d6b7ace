// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bridge relays bus frames to and from an MQTT broker.
//
// Received frames are published to <prefix>/rx/<src>/<type> with the raw
// payload as message body. Messages on <prefix>/tx/<dst>/<type> are sent on
// the bus. Addresses and types are two hex digits.
package bridge

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

// Sender puts a frame on the bus
type Sender interface {
	Send(destination, msgType byte, payload []byte) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(destination, msgType byte, payload []byte) error

// Send implements Sender
func (f SenderFunc) Send(destination, msgType byte, payload []byte) error {
	return f(destination, msgType, payload)
}

// Config holds the broker settings
type Config struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
	QoS         byte
}

// Stats counts bridge traffic
type Stats struct {
	Published uint64
	Forwarded uint64
	Rejected  uint64
}

// Bridge is a connected relay
type Bridge struct {
	cfg    Config
	client paho.Client
	sender Sender
	log    *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// DefaultClientID derives a stable client id from the machine id
func DefaultClientID() string {
	id, err := machineid.ProtectedID("tinybus")
	if err != nil || len(id) < 12 {
		return fmt.Sprintf("tinybus-%d", os.Getpid())
	}
	return "tinybus-" + id[:12]
}

// New creates a bridge. Call Connect before publishing.
func New(cfg Config, sender Sender, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.TopicPrefix = strings.Trim(cfg.TopicPrefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID()
	}

	b := &Bridge{
		cfg:    cfg,
		sender: sender,
		log:    log.With(zap.String("broker", cfg.Broker)),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			b.log.Warn("connection lost", zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	b.client = paho.NewClient(opts)

	return b
}

// Connect connects to the broker. Subscriptions are restored on every
// reconnect.
func (b *Bridge) Connect(ctx context.Context) error {
	token := b.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", b.cfg.Broker, err)
	}
	return nil
}

func (b *Bridge) onConnect(c paho.Client) {
	filter := TxFilter(b.cfg.TopicPrefix)
	b.log.Info("connected", zap.String("subscribe", filter))
	token := c.Subscribe(filter, b.cfg.QoS, func(_ paho.Client, msg paho.Message) {
		b.handleTx(msg.Topic(), msg.Payload())
	})
	go func() {
		if token.Wait(); token.Error() != nil {
			b.log.Error("subscribe failed", zap.Error(token.Error()))
		}
	}()
}

// Close disconnects from the broker
func (b *Bridge) Close() {
	b.client.Disconnect(250)
}

// Stats returns a copy of the counters
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// PublishFrame publishes a received frame
func (b *Bridge) PublishFrame(f *tinybus.Frame) error {
	topic := RxTopic(b.cfg.TopicPrefix, f.Source(), f.Type())
	token := b.client.Publish(topic, b.cfg.QoS, false, f.Payload())
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	b.mu.Lock()
	b.stats.Published++
	b.mu.Unlock()
	return nil
}

// PublishError publishes a frame error description to <prefix>/errors
func (b *Bridge) PublishError(err error) {
	topic := b.cfg.TopicPrefix + "/errors"
	b.client.Publish(topic, 0, false, tinybus.FormatError(err))
}

func (b *Bridge) handleTx(topic string, payload []byte) {
	dst, msgType, err := ParseTxTopic(b.cfg.TopicPrefix, topic)
	if err != nil {
		b.reject("bad topic", topic, err)
		return
	}
	if err := b.sender.Send(dst, msgType, payload); err != nil {
		b.reject("send failed", topic, err)
		return
	}

	b.mu.Lock()
	b.stats.Forwarded++
	b.mu.Unlock()
	b.log.Debug("forwarded",
		zap.String("topic", topic),
		zap.Int("payload", len(payload)))
}

func (b *Bridge) reject(msg, topic string, err error) {
	b.mu.Lock()
	b.stats.Rejected++
	b.mu.Unlock()
	b.log.Warn(msg, zap.String("topic", topic), zap.Error(err))
}

// RxTopic returns the topic a received frame is published on
func RxTopic(prefix string, source, msgType byte) string {
	return fmt.Sprintf("%s/rx/%02x/%02x", prefix, source, msgType)
}

// TxFilter returns the subscription filter for outgoing frames
func TxFilter(prefix string) string {
	return prefix + "/tx/+/+"
}

// ParseTxTopic extracts destination and message type from a tx topic
func ParseTxTopic(prefix, topic string) (destination, msgType byte, err error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/tx/")
	if !ok {
		return 0, 0, fmt.Errorf("topic %q is not under %s/tx", topic, prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("topic %q: want <dst>/<type>", topic)
	}

	dst, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("topic %q: destination: %w", topic, err)
	}
	typ, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("topic %q: type: %w", topic, err)
	}
	return byte(dst), byte(typ), nil
}
