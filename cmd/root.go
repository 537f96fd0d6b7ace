// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/Thermoquad/tinybus/internal/config"
	"github.com/Thermoquad/tinybus/internal/logging"
)

var (
	configPath string
	logLevel   string

	// Serial connection flags
	portName string
	baudRate int
	msbFirst bool

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Bus identity
	hostAddress uint8

	// Resolved by PersistentPreRunE
	settings config.Config
	logger   = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "tinybus",
	Short: "Tinybus multi-drop serial bus tool",
	Long: `Tinybus - monitor, test and bridge a half-duplex multi-drop serial bus.

Nodes on the bus exchange addressed, checksummed frames. Sync (0xAA) and
escape (0x55) bytes inside a frame are escaped on the wire, so a raw 0xAA
always marks the start of a frame.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 9600] [--msb-first]
  WebSocket: --url ws://host/path [--username user]

Nodes shift bits out MSB first while ordinary USB UARTs sample LSB first.
Use --msb-first when listening to nodes directly through such an adapter.

Settings can also come from a TOML file (--config); flags win over the file.
For WebSocket authentication, the password is read from the TINYBUS_PASSWORD
environment variable, or prompted interactively if not set.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", config.DefaultBaud, "Baud rate (serial only)")
	rootCmd.PersistentFlags().BoolVar(&msbFirst, "msb-first", false, "Mirror bit order of every byte (MSB-first nodes on an LSB-first UART)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().Uint8VarP(&hostAddress, "address", "a", 0x00, "Bus address used by this tool")
}

// loadSettings merges the config file with any flags set on the command line
func loadSettings(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("port") {
		cfg.Serial.Port = portName
		cfg.Serial.URL = ""
	}
	if flags.Changed("baud") {
		cfg.Serial.Baud = baudRate
	}
	if flags.Changed("msb-first") {
		cfg.Serial.MSBFirst = msbFirst
	}
	if flags.Changed("url") {
		cfg.Serial.URL = wsURL
		cfg.Serial.Port = ""
	}
	if flags.Changed("username") {
		cfg.Serial.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		cfg.Serial.NoSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("address") {
		cfg.Node.Address = hostAddress
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	log, err := logging.New(cfg.LogLevel, term.IsTerminal(int(os.Stderr.Fd())))
	if err != nil {
		return err
	}

	settings = cfg
	logger = log
	return nil
}

// Execute runs the root command
func Execute() error {
	defer logger.Sync()
	return rootCmd.Execute()
}
