// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/tinybus/internal/bridge"
	"github.com/Thermoquad/tinybus/internal/capture"
	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

var (
	mqttBroker      string
	mqttPrefix      string
	mqttStatsPeriod time.Duration
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Relay bus frames to and from an MQTT broker",
	Long: `Connect the bus to an MQTT broker.

Valid frames are published to <prefix>/rx/<src>/<type> with the payload as
the message body. Rejected frames are reported on <prefix>/errors. Messages
published to <prefix>/tx/<dst>/<type> are sent on the bus from this tool's
address. Addresses and types are two hex digits, e.g. tinybus/tx/02/10.

Both the bus connection and the broker connection are retried when lost.
Broker settings come from the [mqtt] section of the config file.`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVar(&mqttBroker, "broker", "", "MQTT broker URL (overrides config)")
	bridgeCmd.Flags().StringVar(&mqttPrefix, "prefix", "", "Topic prefix (overrides config)")
	bridgeCmd.Flags().DurationVar(&mqttStatsPeriod, "stats-interval", time.Minute, "How often to log bridge statistics")
}

func runBridge(cmd *cobra.Command, args []string) error {
	mc := settings.MQTT
	if cmd.Flags().Changed("broker") {
		mc.Broker = mqttBroker
	}
	if cmd.Flags().Changed("prefix") {
		mc.TopicPrefix = mqttPrefix
	}

	var store *capture.Store
	if settings.Capture.Path != "" {
		var err error
		store, err = capture.Open(settings.Capture.Path)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link := newBusLink(OpenConnection)
	b := bridge.New(bridge.Config{
		Broker:      mc.Broker,
		TopicPrefix: mc.TopicPrefix,
		ClientID:    mc.ClientID,
		Username:    mc.Username,
		Password:    mc.Password,
		QoS:         mc.QoS,
	}, link, logger)

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := b.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	defer b.Close()

	fmt.Printf("Tinybus - MQTT Bridge\n")
	fmt.Printf("Broker: %s (prefix %q)\n", mc.Broker, mc.TopicPrefix)
	fmt.Printf("Bus address: %s\n", tinybus.FormatAddress(settings.Node.Address))
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := tinybus.NewStatistics()
	go logBridgeStats(ctx, b, stats)

	onFrame := func(f *tinybus.Frame) {
		stats.RecordFrame()
		if err := b.PublishFrame(f); err != nil {
			logger.Warn("publish failed", zap.Error(err))
		}
		if store != nil {
			if err := store.RecordFrame(ctx, f); err != nil {
				logger.Error("capture failed", zap.Error(err))
			}
		}
	}
	onError := func(err error) {
		stats.RecordError(err)
		logger.Info("frame rejected", zap.String("reason", tinybus.FormatError(err)))
		b.PublishError(err)
		if store != nil {
			if err := store.RecordError(ctx, time.Now(), err); err != nil {
				logger.Error("capture failed", zap.Error(err))
			}
		}
	}

	if err := link.run(ctx, onFrame, onError); err != nil {
		return err
	}
	return finishCapture(store)
}

func logBridgeStats(ctx context.Context, b *bridge.Bridge, stats *tinybus.Statistics) {
	if mqttStatsPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(mqttStatsPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bs := b.Stats()
			st := stats.Snapshot()
			logger.Info("bridge statistics",
				zap.Uint64("frames", st.FramesReceived),
				zap.Uint64("errors", st.ChecksumErrors+st.MalformedFrames+st.OversizedFrames+st.TruncatedFrames+st.OtherErrors),
				zap.Float64("frame_rate", st.FrameRate),
				zap.Uint64("published", bs.Published),
				zap.Uint64("forwarded", bs.Forwarded),
				zap.Uint64("rejected", bs.Rejected))
		}
	}
}
