// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the engine configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wraithnet/wraith/flow"
	"github.com/wraithnet/wraith/ratchet"
)

const (
	defaultMTU         = 1350
	defaultMaxStreams  = 256
	defaultIdleTimeout = 30 * 1000 // ms
	defaultAckInterval = 25        // ms

	defaultRekeyInterval    = 2 * 60 * 1000 // ms
	defaultRekeyMaxMessages = 1_000_000
	defaultRekeyGrace       = 5 * 1000 // ms

	defaultLogLevel = "NOTICE"

	absoluteMaxMTU = 65535
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level out of `ERROR`, `WARNING`, `NOTICE`,
	// `INFO` and `DEBUG`.
	Level string
}

func (lCfg *Logging) validate() error {
	switch lCfg.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Session tunes per-session behavior.
type Session struct {
	// MTU is the maximum datagram size sessions will emit, including
	// the frame header and authentication tag.
	MTU int

	// StreamWindow is the initial per-stream receive window in bytes.
	StreamWindow uint64

	// SessionWindow is the initial session-wide receive window in bytes.
	SessionWindow uint64

	// MaxStreams bounds concurrently open streams per session.
	MaxStreams int

	// IdleTimeout is the inactivity period in milliseconds after which a
	// session is torn down.
	IdleTimeout int

	// AckInterval is the delayed acknowledgment interval in milliseconds.
	AckInterval int
}

func (sCfg *Session) applyDefaults() {
	if sCfg.MTU == 0 {
		sCfg.MTU = defaultMTU
	}
	if sCfg.StreamWindow == 0 {
		sCfg.StreamWindow = flow.DefaultStreamWindow
	}
	if sCfg.SessionWindow == 0 {
		sCfg.SessionWindow = flow.DefaultSessionWindow
	}
	if sCfg.MaxStreams == 0 {
		sCfg.MaxStreams = defaultMaxStreams
	}
	if sCfg.IdleTimeout == 0 {
		sCfg.IdleTimeout = defaultIdleTimeout
	}
	if sCfg.AckInterval == 0 {
		sCfg.AckInterval = defaultAckInterval
	}
}

func (sCfg *Session) validate() error {
	if sCfg.MTU < 256 || sCfg.MTU > absoluteMaxMTU {
		return fmt.Errorf("config: Session: MTU %d is invalid", sCfg.MTU)
	}
	if sCfg.SessionWindow < sCfg.StreamWindow {
		return errors.New("config: Session: SessionWindow smaller than StreamWindow")
	}
	if sCfg.MaxStreams < 1 {
		return fmt.Errorf("config: Session: MaxStreams %d is invalid", sCfg.MaxStreams)
	}
	if sCfg.IdleTimeout < 0 || sCfg.AckInterval < 0 {
		return errors.New("config: Session: negative interval")
	}
	return nil
}

// IdleTimeoutDuration returns IdleTimeout as a time.Duration.
func (sCfg *Session) IdleTimeoutDuration() time.Duration {
	return time.Duration(sCfg.IdleTimeout) * time.Millisecond
}

// AckIntervalDuration returns AckInterval as a time.Duration.
func (sCfg *Session) AckIntervalDuration() time.Duration {
	return time.Duration(sCfg.AckInterval) * time.Millisecond
}

// Rekey tunes the Diffie-Hellman rekey policy.
type Rekey struct {
	// Interval is the wall-clock rekey trigger in milliseconds.
	Interval int

	// MaxMessages is the message-count rekey trigger.
	MaxMessages uint64

	// Grace is how long in milliseconds the previous epoch's receive
	// keys stay usable after a rekey, to absorb in-flight frames.
	Grace int
}

func (rCfg *Rekey) applyDefaults() {
	if rCfg.Interval == 0 {
		rCfg.Interval = defaultRekeyInterval
	}
	if rCfg.MaxMessages == 0 {
		rCfg.MaxMessages = defaultRekeyMaxMessages
	}
	if rCfg.Grace == 0 {
		rCfg.Grace = defaultRekeyGrace
	}
}

func (rCfg *Rekey) validate() error {
	if rCfg.Interval < 0 || rCfg.Grace < 0 {
		return errors.New("config: Rekey: negative interval")
	}
	return nil
}

// IntervalDuration returns Interval as a time.Duration.
func (rCfg *Rekey) IntervalDuration() time.Duration {
	return time.Duration(rCfg.Interval) * time.Millisecond
}

// GraceDuration returns Grace as a time.Duration.
func (rCfg *Rekey) GraceDuration() time.Duration {
	return time.Duration(rCfg.Grace) * time.Millisecond
}

// Crypto tunes the key schedule.
type Crypto struct {
	// MaxSkippedKeys bounds cached out-of-order message keys per
	// receive chain.
	MaxSkippedKeys int
}

func (cCfg *Crypto) applyDefaults() {
	if cCfg.MaxSkippedKeys == 0 {
		cCfg.MaxSkippedKeys = ratchet.DefaultMaxSkipped
	}
}

func (cCfg *Crypto) validate() error {
	if cCfg.MaxSkippedKeys < 0 {
		return errors.New("config: Crypto: MaxSkippedKeys is negative")
	}
	return nil
}

// Config is the top level engine configuration.
type Config struct {
	Logging *Logging
	Session *Session
	Rekey   *Rekey
	Crypto  *Crypto
}

// FixupAndValidate applies defaults to unset fields and validates the
// configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	if cfg.Session == nil {
		cfg.Session = &Session{}
	}
	if cfg.Rekey == nil {
		cfg.Rekey = &Rekey{}
	}
	if cfg.Crypto == nil {
		cfg.Crypto = &Crypto{}
	}

	cfg.Session.applyDefaults()
	cfg.Rekey.applyDefaults()
	cfg.Crypto.applyDefaults()

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Session.validate(); err != nil {
		return err
	}
	if err := cfg.Rekey.validate(); err != nil {
		return err
	}
	return cfg.Crypto.validate()
}

// Load parses and validates the provided buffer b as a config body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Default returns a validated all-defaults configuration.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic("config: BUG: default config failed validation: " + err.Error())
	}
	return cfg
}
