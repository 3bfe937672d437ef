// Package config loads the tesseract binary's TOML configuration.
//
// Every key is optional; a key left out of the file keeps its value from Default.
//
//	[server]
//	network = "tcp"
//	address = "127.0.0.1:7070"
//	codec = "json"
//	write_timeout = "5s"
//	request_timeout = "30s"
//	shutdown_timeout = "10s"
//	rate_limit = 200.0
//	rate_burst = 50
//	metrics_address = "127.0.0.1:9090"
//
//	[client]
//	network = "tcp"
//	address = "127.0.0.1:7070"
//	codec = "json"
//	timeout = "5s"
//	dial_timeout = "3s"
//
//	[limits]
//	max_payload_bytes = 16777216
//
//	[log]
//	level = "info"
//	format = "console"
//	caller = false
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"tesseract/codec"
	"tesseract/envelope"
	"tesseract/logging"
)

type Config struct {
	Server ServerConfig
	Client ClientConfig
	Limits envelope.Limits
	Log    logging.Config
}

type ServerConfig struct {
	Network         string
	Address         string
	Codec           string
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration // 0 disables the timeout middleware
	ShutdownTimeout time.Duration
	RateLimit       float64 // requests per second; 0 disables
	RateBurst       int
	MetricsAddress  string // "" disables the /metrics listener
}

type ClientConfig struct {
	Network     string
	Address     string
	Codec       string
	Timeout     time.Duration
	DialTimeout time.Duration
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Network:         "tcp",
			Address:         "127.0.0.1:7070",
			Codec:           "json",
			WriteTimeout:    5 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateBurst:       1,
		},
		Client: ClientConfig{
			Network:     "tcp",
			Address:     "127.0.0.1:7070",
			Codec:       "json",
			Timeout:     5 * time.Second,
			DialTimeout: 3 * time.Second,
		},
		Limits: envelope.DefaultLimits(),
		Log:    logging.DefaultConfig(),
	}
}

type fileConfig struct {
	Server struct {
		Network         string  `toml:"network"`
		Address         string  `toml:"address"`
		Codec           string  `toml:"codec"`
		WriteTimeout    string  `toml:"write_timeout"`
		RequestTimeout  string  `toml:"request_timeout"`
		ShutdownTimeout string  `toml:"shutdown_timeout"`
		RateLimit       float64 `toml:"rate_limit"`
		RateBurst       int     `toml:"rate_burst"`
		MetricsAddress  string  `toml:"metrics_address"`
	} `toml:"server"`
	Client struct {
		Network     string `toml:"network"`
		Address     string `toml:"address"`
		Codec       string `toml:"codec"`
		Timeout     string `toml:"timeout"`
		DialTimeout string `toml:"dial_timeout"`
	} `toml:"client"`
	Limits struct {
		MaxPayloadBytes int64 `toml:"max_payload_bytes"`
	} `toml:"limits"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		Caller bool   `toml:"caller"`
	} `toml:"log"`
}

// Load reads path on top of Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(raw, meta)
}

// Parse is Load for an in-memory document.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(raw, meta)
}

func apply(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config: unknown key %q", undecoded[0].String())
	}

	cfg := Default()
	var err error
	str := func(dst *string, src string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(src)
		}
	}
	dur := func(dst *time.Duration, src string, key ...string) {
		if err != nil || !meta.IsDefined(key...) {
			return
		}
		d, perr := time.ParseDuration(strings.TrimSpace(src))
		if perr != nil {
			err = fmt.Errorf("parse %s: %w", strings.Join(key, "."), perr)
			return
		}
		*dst = d
	}

	str(&cfg.Server.Network, raw.Server.Network, "server", "network")
	str(&cfg.Server.Address, raw.Server.Address, "server", "address")
	str(&cfg.Server.Codec, raw.Server.Codec, "server", "codec")
	dur(&cfg.Server.WriteTimeout, raw.Server.WriteTimeout, "server", "write_timeout")
	dur(&cfg.Server.RequestTimeout, raw.Server.RequestTimeout, "server", "request_timeout")
	dur(&cfg.Server.ShutdownTimeout, raw.Server.ShutdownTimeout, "server", "shutdown_timeout")
	if meta.IsDefined("server", "rate_limit") {
		cfg.Server.RateLimit = raw.Server.RateLimit
	}
	if meta.IsDefined("server", "rate_burst") {
		cfg.Server.RateBurst = raw.Server.RateBurst
	}
	str(&cfg.Server.MetricsAddress, raw.Server.MetricsAddress, "server", "metrics_address")

	str(&cfg.Client.Network, raw.Client.Network, "client", "network")
	str(&cfg.Client.Address, raw.Client.Address, "client", "address")
	str(&cfg.Client.Codec, raw.Client.Codec, "client", "codec")
	dur(&cfg.Client.Timeout, raw.Client.Timeout, "client", "timeout")
	dur(&cfg.Client.DialTimeout, raw.Client.DialTimeout, "client", "dial_timeout")

	if meta.IsDefined("limits", "max_payload_bytes") {
		n := raw.Limits.MaxPayloadBytes
		if n <= 0 || n > int64(^uint32(0)) {
			return Config{}, fmt.Errorf("config: limits.max_payload_bytes %d out of range", n)
		}
		cfg.Limits.MaxPayloadBytes = uint32(n)
	}

	str(&cfg.Log.Level, raw.Log.Level, "log", "level")
	str(&cfg.Log.Format, raw.Log.Format, "log", "format")
	if meta.IsDefined("log", "caller") {
		cfg.Log.Caller = raw.Log.Caller
	}

	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail later, at startup.
func (c Config) Validate() error {
	for _, name := range []string{c.Server.Codec, c.Client.Codec} {
		if _, err := codec.Get(name); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("config: server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		return fmt.Errorf("config: server.rate_burst must be at least 1 when rate_limit is set")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
