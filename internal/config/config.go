// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the optional TOML file shared by the tinybus tools.
//
//	[node]
//	address = 0x10
//	require_sync = true
//	max_payload = 256
//
//	[serial]
//	port = "/dev/ttyUSB0"
//	baud = 9600
//	msb_first = true
//
//	[mqtt]
//	broker = "tcp://localhost:1883"
//	topic_prefix = "tinybus"
//
//	[capture]
//	path = "capture.db"
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

// DefaultBaud matches a 104-tick bit timer on a 1 MHz clock
const DefaultBaud = 9600

// Config is the merged tool configuration
type Config struct {
	LogLevel string
	Node     NodeConfig
	Serial   SerialConfig
	MQTT     MQTTConfig
	Capture  CaptureConfig
}

// NodeConfig is the identity the tools use on the bus
type NodeConfig struct {
	Address     byte
	RequireSync bool
	MaxPayload  int
}

// SerialConfig selects the host connection
type SerialConfig struct {
	Port        string
	Baud        int
	MSBFirst    bool
	URL         string
	Username    string
	NoSSLVerify bool
}

// MQTTConfig configures the bridge
type MQTTConfig struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
	QoS         byte
}

// CaptureConfig configures the frame capture store
type CaptureConfig struct {
	Path   string
	Retain int
}

type fileConfig struct {
	LogLevel string `toml:"log_level"`

	Node struct {
		Address     int  `toml:"address"`
		RequireSync bool `toml:"require_sync"`
		MaxPayload  int  `toml:"max_payload"`
	} `toml:"node"`

	Serial struct {
		Port        string `toml:"port"`
		Baud        int    `toml:"baud"`
		MSBFirst    bool   `toml:"msb_first"`
		URL         string `toml:"url"`
		Username    string `toml:"username"`
		NoSSLVerify bool   `toml:"no_ssl_verify"`
	} `toml:"serial"`

	MQTT struct {
		Broker      string `toml:"broker"`
		TopicPrefix string `toml:"topic_prefix"`
		ClientID    string `toml:"client_id"`
		Username    string `toml:"username"`
		Password    string `toml:"password"`
		QoS         int    `toml:"qos"`
	} `toml:"mqtt"`

	Capture struct {
		Path   string `toml:"path"`
		Retain int    `toml:"retain"`
	} `toml:"capture"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		LogLevel: "info",
		Node: NodeConfig{
			Address:     0x00,
			RequireSync: true,
			MaxPayload:  tinybus.DefaultMaxPayload,
		},
		Serial: SerialConfig{
			Baud: DefaultBaud,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "tinybus",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("node", "address") {
		if raw.Node.Address < 0 || raw.Node.Address > 0xFF {
			return Config{}, fmt.Errorf("load config: node.address %d out of range", raw.Node.Address)
		}
		cfg.Node.Address = byte(raw.Node.Address)
	}
	if meta.IsDefined("node", "require_sync") {
		cfg.Node.RequireSync = raw.Node.RequireSync
	}
	if meta.IsDefined("node", "max_payload") {
		cfg.Node.MaxPayload = raw.Node.MaxPayload
	}

	if meta.IsDefined("serial", "port") {
		cfg.Serial.Port = strings.TrimSpace(raw.Serial.Port)
	}
	if meta.IsDefined("serial", "baud") {
		cfg.Serial.Baud = raw.Serial.Baud
	}
	if meta.IsDefined("serial", "msb_first") {
		cfg.Serial.MSBFirst = raw.Serial.MSBFirst
	}
	if meta.IsDefined("serial", "url") {
		cfg.Serial.URL = strings.TrimSpace(raw.Serial.URL)
	}
	if meta.IsDefined("serial", "username") {
		cfg.Serial.Username = strings.TrimSpace(raw.Serial.Username)
	}
	if meta.IsDefined("serial", "no_ssl_verify") {
		cfg.Serial.NoSSLVerify = raw.Serial.NoSSLVerify
	}

	if meta.IsDefined("mqtt", "broker") {
		cfg.MQTT.Broker = strings.TrimSpace(raw.MQTT.Broker)
	}
	if meta.IsDefined("mqtt", "topic_prefix") {
		cfg.MQTT.TopicPrefix = strings.Trim(strings.TrimSpace(raw.MQTT.TopicPrefix), "/")
	}
	if meta.IsDefined("mqtt", "client_id") {
		cfg.MQTT.ClientID = strings.TrimSpace(raw.MQTT.ClientID)
	}
	if meta.IsDefined("mqtt", "username") {
		cfg.MQTT.Username = raw.MQTT.Username
	}
	if meta.IsDefined("mqtt", "password") {
		cfg.MQTT.Password = raw.MQTT.Password
	}
	if meta.IsDefined("mqtt", "qos") {
		if raw.MQTT.QoS < 0 || raw.MQTT.QoS > 2 {
			return Config{}, fmt.Errorf("load config: mqtt.qos must be 0, 1 or 2, got %d", raw.MQTT.QoS)
		}
		cfg.MQTT.QoS = byte(raw.MQTT.QoS)
	}

	if meta.IsDefined("capture", "path") {
		cfg.Capture.Path = strings.TrimSpace(raw.Capture.Path)
	}
	if meta.IsDefined("capture", "retain") {
		cfg.Capture.Retain = raw.Capture.Retain
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Validate checks the merged configuration
func (c Config) Validate() error {
	if c.Node.Address == tinybus.AddressBroadcast {
		return fmt.Errorf("node.address 0x%02X is reserved for broadcast", c.Node.Address)
	}
	if c.Node.MaxPayload < 1 || c.Node.MaxPayload > tinybus.MaxPayloadLimit {
		return fmt.Errorf("node.max_payload %d out of range (1-%d)", c.Node.MaxPayload, tinybus.MaxPayloadLimit)
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud)
	}
	if c.Serial.Port != "" && c.Serial.URL != "" {
		return fmt.Errorf("serial.port and serial.url are mutually exclusive")
	}
	if c.Capture.Retain < 0 {
		return fmt.Errorf("capture.retain must not be negative, got %d", c.Capture.Retain)
	}
	return nil
}
