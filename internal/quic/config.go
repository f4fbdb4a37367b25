// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// A CongestionControlAlgorithm selects which congestionController
// implementation a Conn constructs.
type CongestionControlAlgorithm string

const (
	CongestionControlCUBIC CongestionControlAlgorithm = "cubic"
	CongestionControlBBR   CongestionControlAlgorithm = "bbr"
)

// Config holds the tunables for a Conn, loaded from YAML at startup and
// otherwise left at their zero value (defaulted by withDefaults).
type Config struct {
	CongestionControl CongestionControlAlgorithm `yaml:"congestion_control"`
	MaxIdleTimeout    time.Duration              `yaml:"max_idle_timeout"`
	MaxAckDelay       time.Duration              `yaml:"max_ack_delay"`
	AckFrequency      int                        `yaml:"ack_frequency"`
	ReorderThreshold  int64                      `yaml:"reorder_threshold"`
	TokenKeyPath      string                     `yaml:"token_key_path"`

	// RetryThreshold is the number of concurrently unvalidated server
	// handshakes above which new Initial packets without a valid
	// address-validation token are answered with a Retry instead of
	// being allowed to proceed (RFC 9000, Section 8.1.2).
	RetryThreshold int64 `yaml:"retry_threshold"`
}

// defaultConfig returns the built-in tunables used when a field is left
// unset by the caller or the loaded file.
func defaultConfig() Config {
	return Config{
		CongestionControl: CongestionControlCUBIC,
		MaxIdleTimeout:    defaultMaxIdleTimeout,
		MaxAckDelay:       defaultMaxAckDelay,
		AckFrequency:      defaultAckFrequency,
		ReorderThreshold:  defaultReorderThreshold,
		RetryThreshold:    defaultRetryThreshold,
	}
}

// withDefaults fills in zero-valued fields from defaultConfig.
func (c Config) withDefaults() Config {
	d := defaultConfig()
	if c.CongestionControl == "" {
		c.CongestionControl = d.CongestionControl
	}
	if c.MaxIdleTimeout == 0 {
		c.MaxIdleTimeout = d.MaxIdleTimeout
	}
	if c.MaxAckDelay == 0 {
		c.MaxAckDelay = d.MaxAckDelay
	}
	if c.AckFrequency == 0 {
		c.AckFrequency = d.AckFrequency
	}
	if c.ReorderThreshold == 0 {
		c.ReorderThreshold = d.ReorderThreshold
	}
	if c.RetryThreshold == 0 {
		c.RetryThreshold = d.RetryThreshold
	}
	return c
}

// LoadConfig reads a Config from a YAML file on disk, applying defaults
// to any field the file leaves unset.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading quic config %q", path)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, errors.Wrapf(err, "parsing quic config %q", path)
	}
	return c.withDefaults(), nil
}

func (c Config) newCongestionController(rtt *rttStats) (congestionController, error) {
	switch c.CongestionControl {
	case CongestionControlBBR:
		return newBBRSender(rtt), nil
	case CongestionControlCUBIC, "":
		return newCubicSender(rtt), nil
	default:
		return nil, fmt.Errorf("quic: unknown congestion control algorithm %q", c.CongestionControl)
	}
}

// defaultRetryThreshold is a conservative default: small deployments
// never hit it, so Retry only engages once a real handshake flood is
// underway.
const defaultRetryThreshold = 10000

// loadTokenValidator builds the tokenValidator a server Conn uses to
// check RETRY/NEW_TOKEN tokens. With no TokenKeyPath configured, it
// generates a fresh, process-lifetime key: tokens minted by one process
// won't validate after a restart, which only costs an extra round trip
// under load, never a correctness problem.
func (c Config) loadTokenValidator() (*tokenValidator, error) {
	if c.TokenKeyPath == "" {
		key, err := randomTokenKey()
		if err != nil {
			return nil, err
		}
		return newTokenValidator(key)
	}
	key, err := os.ReadFile(c.TokenKeyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading quic token key %q", c.TokenKeyPath)
	}
	return newTokenValidator(key)
}
