// Package config loads the YAML configuration of the normcache command.
// Values absent from the file keep their defaults; command-line flags are
// applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log    Log    `yaml:"log"`
	Server Server `yaml:"server"`
	Client Client `yaml:"client"`
	Otel   Otel   `yaml:"otel"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Server configures `normcache serve`.
type Server struct {
	Addr            string        `yaml:"addr"`
	GRPCAddr        string        `yaml:"grpcAddr"`
	Schema          string        `yaml:"schema"`
	Data            string        `yaml:"data"`
	Pretty          bool          `yaml:"pretty"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
	MetadataHeaders []string      `yaml:"metadataHeaders"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
	Introspection   bool          `yaml:"introspection"`
}

// Client configures the network used by `normcache query`.
type Client struct {
	Endpoint  string            `yaml:"endpoint"`
	Transport string            `yaml:"transport"`
	Timeout   time.Duration     `yaml:"timeout"`
	MaxTries  uint              `yaml:"maxTries"`
	Headers   map[string]string `yaml:"headers"`
}

type Otel struct {
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

// Transports accepted by Client.Transport.
const (
	TransportHTTP = "http"
	TransportWS   = "ws"
	TransportGRPC = "grpc"
)

func Default() Config {
	return Config{
		Log: Log{Level: "info", Format: "console"},
		Server: Server{
			Addr:          ":8080",
			Timeout:       10 * time.Second,
			Introspection: true,
		},
		Client: Client{
			Transport: TransportHTTP,
			Timeout:   30 * time.Second,
			MaxTries:  3,
		},
		Otel: Otel{Service: "normcache"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Client.Transport {
	case TransportHTTP, TransportWS, TransportGRPC:
	default:
		return fmt.Errorf("config: unknown client transport %q", c.Client.Transport)
	}
	if c.Client.MaxTries == 0 {
		return errors.New("config: client.maxTries must be at least 1")
	}
	if c.Server.Timeout < 0 || c.Client.Timeout < 0 {
		return errors.New("config: timeouts must not be negative")
	}
	return nil
}
