// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads socket.Options from a TOML file, an alternative
// construction path to socket.Option functional options for deployments
// that prefer a config file.
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/hyperletter/hyperletter/letter"
	"github.com/hyperletter/hyperletter/socket"
)

// file mirrors the TOML document's shape; each field's TOML key is given by
// its toml tag.
type file struct {
	NodeID string `toml:"node_id"`

	Heartbeat struct {
		Interval  string `toml:"interval"`
		MaxMissed int    `toml:"max_missed"`
	} `toml:"heartbeat"`

	Initialization struct {
		Timeout string `toml:"timeout"`
	} `toml:"initialization"`

	Ack struct {
		Timeout string `toml:"timeout"`
	} `toml:"ack"`

	Batch struct {
		Enabled               bool `toml:"enabled"`
		MaxLettersInBatch     int  `toml:"max_letters_in_batch"`
		MaxExtendedBatchCount int  `toml:"max_extended_batch_count"`
	} `toml:"batch"`

	Connect struct {
		Backoff struct {
			Initial string `toml:"initial"`
			Max     string `toml:"max"`
		} `toml:"backoff"`
	} `toml:"connect"`

	Discovery struct {
		Enabled bool `toml:"enabled"`
	} `toml:"discovery"`

	Bind []struct {
		IP   string `toml:"ip"`
		Port uint16 `toml:"port"`
	} `toml:"bind"`

	Connections []struct {
		IP   string `toml:"ip"`
		Port uint16 `toml:"port"`
	} `toml:"connections"`
}

// Endpoint is a (ip, port) pair read from a [[bind]] or [[connections]]
// table, for the caller to act on after constructing the Socket.
type Endpoint struct {
	IP   string
	Port uint16
}

// Load parses path and returns the resulting socket.Options along with the
// Bind and Connect endpoints listed in the file.
func Load(path string) (socket.Options, []Endpoint, []Endpoint, error) {
	var f file
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return socket.Options{}, nil, nil, fmt.Errorf("config: %w", err)
	}

	opts := socket.DefaultOptions()

	if f.NodeID != "" {
		n, err := parseNodeID(f.NodeID)
		if err != nil {
			return socket.Options{}, nil, nil, err
		}
		opts.NodeID = n
	}

	if f.Heartbeat.Interval != "" {
		d, err := time.ParseDuration(f.Heartbeat.Interval)
		if err != nil {
			return socket.Options{}, nil, nil, fmt.Errorf("config: heartbeat.interval: %w", err)
		}
		opts.Heartbeat.Interval = d
	}
	if f.Heartbeat.MaxMissed > 0 {
		opts.Heartbeat.MaxMissed = f.Heartbeat.MaxMissed
	}

	if f.Initialization.Timeout != "" {
		d, err := time.ParseDuration(f.Initialization.Timeout)
		if err != nil {
			return socket.Options{}, nil, nil, fmt.Errorf("config: initialization.timeout: %w", err)
		}
		opts.Initialization.Timeout = d
	}

	if f.Ack.Timeout != "" {
		d, err := time.ParseDuration(f.Ack.Timeout)
		if err != nil {
			return socket.Options{}, nil, nil, fmt.Errorf("config: ack.timeout: %w", err)
		}
		opts.Ack.Timeout = d
	}

	opts.Batch.Enabled = f.Batch.Enabled
	if f.Batch.MaxLettersInBatch > 0 {
		opts.Batch.MaxLettersInBatch = f.Batch.MaxLettersInBatch
	}
	if f.Batch.MaxExtendedBatchCount > 0 {
		opts.Batch.MaxExtendedBatchCount = f.Batch.MaxExtendedBatchCount
	}

	if f.Connect.Backoff.Initial != "" {
		d, err := time.ParseDuration(f.Connect.Backoff.Initial)
		if err != nil {
			return socket.Options{}, nil, nil, fmt.Errorf("config: connect.backoff.initial: %w", err)
		}
		opts.Connect.Backoff.Initial = d
	}
	if f.Connect.Backoff.Max != "" {
		d, err := time.ParseDuration(f.Connect.Backoff.Max)
		if err != nil {
			return socket.Options{}, nil, nil, fmt.Errorf("config: connect.backoff.max: %w", err)
		}
		opts.Connect.Backoff.Max = d
	}

	opts.Discovery.Enabled = f.Discovery.Enabled

	binds := make([]Endpoint, 0, len(f.Bind))
	for _, b := range f.Bind {
		binds = append(binds, Endpoint{IP: b.IP, Port: b.Port})
	}
	conns := make([]Endpoint, 0, len(f.Connections))
	for _, c := range f.Connections {
		conns = append(conns, Endpoint{IP: c.IP, Port: c.Port})
	}

	return opts, binds, conns, nil
}

func parseNodeID(s string) (letter.NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return letter.NodeID{}, fmt.Errorf("config: node_id: %w", err)
	}
	if len(b) != 16 {
		return letter.NodeID{}, fmt.Errorf("config: node_id: want 16 bytes, got %d", len(b))
	}
	var n letter.NodeID
	copy(n[:], b)
	return n, nil
}
