// Package config loads the qortpeer TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"qortpeer/internal/log"
	"qortpeer/internal/network"
	"qortpeer/internal/pow"
)

const (
	defaultDataDir         = "qortpeer-data"
	defaultVersion         = "qortal-4.6.0"
	defaultDifficulty      = 2
	defaultTimeout         = 30
	defaultListenAddress   = "0.0.0.0:12392"
	defaultMaxConnsPerIP   = 4
	defaultMaxStreamsPerIP = 4
	defaultLogLevel        = "NOTICE"
)

// Peer is the default remote for the connect command.
type Peer struct {
	Address   string
	Port      int
	Transport string
	// InsecureTLS skips QUIC certificate checks.
	InsecureTLS bool
}

func (p *Peer) applyDefaults() {
	if p.Port == 0 {
		p.Port = network.DefaultPort
	}
	if p.Transport == "" {
		p.Transport = string(network.TransportTCP)
	}
}

func (p *Peer) validate() error {
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("config: Peer: Port %d out of range", p.Port)
	}
	if _, err := network.ParseTransport(p.Transport); err != nil {
		return fmt.Errorf("config: Peer: %w", err)
	}
	return nil
}

type Handshake struct {
	Version    string
	Difficulty int
	// Timeout in seconds for a whole handshake, 0 selects the default.
	Timeout         int
	VerifyResponses bool
	// MaxClockSkew in seconds, 0 disables the check.
	MaxClockSkew int
}

func (h *Handshake) applyDefaults() {
	if h.Version == "" {
		h.Version = defaultVersion
	}
	if h.Difficulty == 0 {
		h.Difficulty = defaultDifficulty
	}
	if h.Timeout == 0 {
		h.Timeout = defaultTimeout
	}
}

func (h *Handshake) validate() error {
	if len(h.Version) > 255 {
		return errors.New("config: Handshake: Version is too long")
	}
	if h.Difficulty < 0 || h.Difficulty > pow.MaxDifficulty {
		return fmt.Errorf("config: Handshake: Difficulty %d out of range", h.Difficulty)
	}
	if h.Timeout < 0 {
		return errors.New("config: Handshake: Timeout is negative")
	}
	if h.MaxClockSkew < 0 {
		return errors.New("config: Handshake: MaxClockSkew is negative")
	}
	return nil
}

func (h *Handshake) TimeoutDuration() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

func (h *Handshake) ClockSkew() time.Duration {
	return time.Duration(h.MaxClockSkew) * time.Second
}

type ProofOfWork struct {
	// WorkBufferSize in bytes; the arena is sized for exactly one cycle.
	WorkBufferSize int
}

func (p *ProofOfWork) applyDefaults() {
	if p.WorkBufferSize == 0 {
		p.WorkBufferSize = pow.DefaultWorkBufferSize
	}
}

func (p *ProofOfWork) validate() error {
	if p.WorkBufferSize < 8 || p.WorkBufferSize%8 != 0 {
		return fmt.Errorf("config: ProofOfWork: WorkBufferSize %d must be a positive multiple of 8", p.WorkBufferSize)
	}
	return nil
}

type Listener struct {
	Address         string
	Transport       string
	MaxConnsPerIP   int
	MaxStreamsPerIP int
}

func (l *Listener) applyDefaults() {
	if l.Address == "" {
		l.Address = defaultListenAddress
	}
	if l.Transport == "" {
		l.Transport = string(network.TransportTCP)
	}
	if l.MaxConnsPerIP == 0 {
		l.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if l.MaxStreamsPerIP == 0 {
		l.MaxStreamsPerIP = defaultMaxStreamsPerIP
	}
}

func (l *Listener) validate() error {
	if _, err := network.ParseTransport(l.Transport); err != nil {
		return fmt.Errorf("config: Listener: %w", err)
	}
	return nil
}

type Logging struct {
	Disable bool
	File    string
	Level   string
}

func (l *Logging) applyDefaults() {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
}

func (l *Logging) validate() error {
	if _, err := log.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("config: Logging: %w", err)
	}
	return nil
}

// Debug holds the optional diagnostics endpoint. Empty disables it.
type Debug struct {
	DiagAddress string
	// AllowRemote permits a non-loopback DiagAddress.
	AllowRemote bool
	// MetricsSnapshot, when set, receives a JSON metrics dump on exit.
	MetricsSnapshot string
}

type Config struct {
	DataDir     string
	Peer        *Peer
	Handshake   *Handshake
	ProofOfWork *ProofOfWork
	Listener    *Listener
	Logging     *Logging
	Debug       *Debug
}

// FixupAndValidate fills in defaults for missing sections and values
// and checks the result.
func (c *Config) FixupAndValidate() error {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.Peer == nil {
		c.Peer = &Peer{}
	}
	if c.Handshake == nil {
		c.Handshake = &Handshake{}
	}
	if c.ProofOfWork == nil {
		c.ProofOfWork = &ProofOfWork{}
	}
	if c.Listener == nil {
		c.Listener = &Listener{}
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Debug == nil {
		c.Debug = &Debug{}
	}
	c.Peer.applyDefaults()
	c.Handshake.applyDefaults()
	c.ProofOfWork.applyDefaults()
	c.Listener.applyDefaults()
	c.Logging.applyDefaults()

	if !filepath.IsAbs(c.DataDir) {
		abs, err := filepath.Abs(c.DataDir)
		if err != nil {
			return fmt.Errorf("config: DataDir: %w", err)
		}
		c.DataDir = abs
	}
	for _, v := range []interface{ validate() error }{c.Peer, c.Handshake, c.ProofOfWork, c.Listener, c.Logging} {
		if err := v.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	c := new(Config)
	if err := c.FixupAndValidate(); err != nil {
		panic(err)
	}
	return c
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
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

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
