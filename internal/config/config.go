package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml"
)

// Constants for default values
const (
	DefaultListenAddr   = "0.0.0.0:8000"
	DefaultServerAddr   = "localhost:8000"
	DefaultOutputDir    = "./output"
	DefaultServerName   = "chunkxfer"
	DefaultClientName   = "chunkxfer-client"
	DefaultTimeout      = 2 * time.Minute
	DefaultDialTimeout  = 10 * time.Second
	DefaultMaxSessions  = 64
	DefaultMaxFrameSize = 1024 * 1024 // 1MB
	DefaultLogDir       = "logs"
	DefaultLogLevel     = "info"

	// Ports at or below this are rejected
	MinPort = 5000

	// StdoutPath selects standard output as the client sink
	StdoutPath = "-"

	// File system constants
	PartialFileExt  = ".part"
	LogDirPerms     = 0755
	OutputFilePerms = 0644
)

// Config holds all configuration parameters for the application
type Config struct {
	// Server mode settings
	IsServer      bool
	ListenAddress string
	FilePath      string
	ServerName    string
	FileName      string // Announced name; defaults to the base name of FilePath
	MaxSessions   int    // Concurrent sessions; zero means unlimited

	// Client mode settings
	ServerAddress string
	ClientName    string
	OutputPath    string // "-" for stdout; empty derives a path under OutputDir
	OutputDir     string

	// Common parameters
	Timeout      time.Duration // Per read/write deadline; zero disables it
	DialTimeout  time.Duration
	MaxFrameSize uint32
	ShowProgress bool
	LogDir       string
	LogLevel     string
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		ListenAddress: DefaultListenAddr,
		ServerName:    DefaultServerName,
		MaxSessions:   DefaultMaxSessions,
		ServerAddress: DefaultServerAddr,
		ClientName:    DefaultClientName,
		OutputDir:     DefaultOutputDir,
		Timeout:       DefaultTimeout,
		DialTimeout:   DefaultDialTimeout,
		MaxFrameSize:  DefaultMaxFrameSize,
		ShowProgress:  true,
		LogDir:        DefaultLogDir,
		LogLevel:      DefaultLogLevel,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("dial timeout cannot be negative")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max sessions cannot be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if c.IsServer {
		if c.FilePath == "" {
			return fmt.Errorf("file path is required in server mode")
		}
		if c.ServerName == "" {
			return fmt.Errorf("server name is required in server mode")
		}
		if err := validatePort(c.ListenAddress); err != nil {
			return fmt.Errorf("listen address: %w", err)
		}
		return nil
	}

	if c.ClientName == "" {
		return fmt.Errorf("client name is required in client mode")
	}
	if err := validatePort(c.ServerAddress); err != nil {
		return fmt.Errorf("server address: %w", err)
	}
	if c.OutputPath == "" && c.OutputDir == "" {
		return fmt.Errorf("output path or output directory is required in client mode")
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level. An empty name means info.
func ParseLevel(name string) (slog.Level, error) {
	if name == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", name)
	}
	return level, nil
}

func validatePort(addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q", portStr)
	}
	if port <= MinPort || port > 65535 {
		return fmt.Errorf("port must be > %d and <= 65535, got %d", MinPort, port)
	}
	return nil
}

// String returns a string representation of the config for logging
func (c *Config) String() string {
	if c.IsServer {
		return fmt.Sprintf("Config{Mode: Server, Listen: %s, File: %s, MaxSessions: %d, Timeout: %s}",
			c.ListenAddress, c.FilePath, c.MaxSessions, c.Timeout)
	}
	return fmt.Sprintf("Config{Mode: Client, Server: %s, Name: %s, Output: %s, Timeout: %s}",
		c.ServerAddress, c.ClientName, c.output(), c.Timeout)
}

func (c *Config) output() string {
	if c.OutputPath != "" {
		return c.OutputPath
	}
	return c.OutputDir
}

// fileConfig mirrors the TOML layout of a config file.
type fileConfig struct {
	Server struct {
		Listen      string `toml:"listen"`
		File        string `toml:"file"`
		Name        string `toml:"name"`
		FileName    string `toml:"file-name"`
		MaxSessions int    `toml:"max-sessions"`
	} `toml:"server"`
	Client struct {
		Connect   string `toml:"connect"`
		Name      string `toml:"name"`
		Output    string `toml:"output"`
		OutputDir string `toml:"output-dir"`
	} `toml:"client"`
	Transfer struct {
		Timeout      string `toml:"timeout"`
		DialTimeout  string `toml:"dial-timeout"`
		MaxFrameSize int64  `toml:"max-frame-size"`
		Progress     bool   `toml:"progress"`
	} `toml:"transfer"`
	Log struct {
		Dir   string `toml:"dir"`
		Level string `toml:"level"`
	} `toml:"log"`
}

// LoadFile reads a TOML config file and overlays it on the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse overlays TOML data on the defaults. Keys absent from the file keep
// their default value.
func Parse(data []byte) (*Config, error) {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	var fc fileConfig
	if err := tree.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}

	cfg := Default()
	setString(&cfg.ListenAddress, fc.Server.Listen)
	setString(&cfg.FilePath, fc.Server.File)
	setString(&cfg.ServerName, fc.Server.Name)
	setString(&cfg.FileName, fc.Server.FileName)
	if tree.Has("server.max-sessions") {
		cfg.MaxSessions = fc.Server.MaxSessions
	}

	setString(&cfg.ServerAddress, fc.Client.Connect)
	setString(&cfg.ClientName, fc.Client.Name)
	setString(&cfg.OutputPath, fc.Client.Output)
	setString(&cfg.OutputDir, fc.Client.OutputDir)

	if err := setDuration(&cfg.Timeout, fc.Transfer.Timeout); err != nil {
		return nil, fmt.Errorf("transfer.timeout: %w", err)
	}
	if err := setDuration(&cfg.DialTimeout, fc.Transfer.DialTimeout); err != nil {
		return nil, fmt.Errorf("transfer.dial-timeout: %w", err)
	}
	if tree.Has("transfer.max-frame-size") {
		size := fc.Transfer.MaxFrameSize
		if size < 0 || size > int64(^uint32(0)) {
			return nil, fmt.Errorf("transfer.max-frame-size out of range: %d", size)
		}
		cfg.MaxFrameSize = uint32(size)
	}
	if tree.Has("transfer.progress") {
		cfg.ShowProgress = fc.Transfer.Progress
	}

	// An explicitly empty log dir turns file logging off.
	if tree.Has("log.dir") {
		cfg.LogDir = fc.Log.Dir
	}
	setString(&cfg.LogLevel, fc.Log.Level)
	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
