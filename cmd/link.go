// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

// busLink keeps a bus connection open, reconnecting with exponential backoff
type busLink struct {
	open func() (Connection, string, error)

	mu       sync.RWMutex
	conn     Connection
	connInfo string

	writeMu sync.Mutex

	minBackoff time.Duration
	maxBackoff time.Duration
}

func newBusLink(open func() (Connection, string, error)) *busLink {
	return &busLink{
		open:       open,
		minBackoff: 1 * time.Second,
		maxBackoff: 30 * time.Second,
	}
}

func (l *busLink) getConn() Connection {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn
}

func (l *busLink) setConn(conn Connection, connInfo string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = conn
	l.connInfo = connInfo
}

// errLinkDown is returned by Send while reconnecting
var errLinkDown = errors.New("bus connection down")

// Send writes one frame from this tool's address
func (l *busLink) Send(dst, msgType byte, payload []byte) error {
	conn := l.getConn()
	if conn == nil {
		return errLinkDown
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := writeFrame(conn, dst, msgType, payload)
	return err
}

// run reads frames until ctx is done. Lost connections are reopened.
func (l *busLink) run(ctx context.Context, onFrame func(*tinybus.Frame), onError func(error)) error {
	if l.getConn() == nil && !l.reconnect(ctx) {
		return nil
	}

	go func() {
		<-ctx.Done()
		if conn := l.getConn(); conn != nil {
			conn.Close()
		}
	}()

	for {
		err := l.readFromConnection(onFrame, onError)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("bus connection lost", zap.Error(err))

		if conn := l.getConn(); conn != nil {
			conn.Close()
		}
		l.setConn(nil, "")
		if !l.reconnect(ctx) {
			return nil
		}
	}
}

// readFromConnection decodes the current connection until a read fails
func (l *busLink) readFromConnection(onFrame func(*tinybus.Frame), onError func(error)) error {
	conn := l.getConn()
	decoder := newDecoder()
	synchronized := false
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			f, err := decoder.DecodeByte(buf[i])
			switch {
			case err != nil:
				// errors before the first good frame come from joining mid-stream
				if synchronized {
					onError(err)
				}
			case f != nil:
				synchronized = true
				onFrame(f)
			}
		}
	}
}

// reconnect opens a new connection, backing off between attempts.
// Returns false if ctx ended first.
func (l *busLink) reconnect(ctx context.Context) bool {
	backoff := l.minBackoff
	for {
		conn, connInfo, err := l.open()
		if err == nil {
			l.setConn(conn, connInfo)
			logger.Info("bus connected", zap.String("connection", connInfo))
			return true
		}
		logger.Warn("bus connect failed", zap.Error(err), zap.Duration("retry", backoff))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}
