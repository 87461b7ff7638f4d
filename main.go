/*
Copyright 2025 Yousaf Gill. All rights reserved.
Use of this source code is governed by the MIT license
that can be found in the LICENSE file.

chunkxfer serves a single file over TCP to any client that asks for it.

Each connection is one session: the client introduces itself, the server
answers with its name and the file's name and size, the client signals it is
ready and the payload follows as small marker-prefixed chunks closed by a
two-byte sentinel.

The program operates in two modes:

1. serve: loads one file and hands it to every client that connects

2. fetch: connects to a server and stores the file it offers, or writes it
to stdout

	Author: Yousaf Gill <yousafgill@gmail.com>
	Repository: https://github.com/yousafgill/just-data-copier
	Detail: provided in README.md
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"

	"chunkxfer/internal/client"
	"chunkxfer/internal/config"
	"chunkxfer/internal/logging"
	"chunkxfer/internal/server"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "chunkxfer"
	app.Usage = "Serve a single file over TCP, or fetch it from a server."
	app.Version = version
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "the TOML configuration `FILE`, command line flags take precedence",
		},
		&cli.StringFlag{
			Name:  "log-dir",
			Value: config.DefaultLogDir,
			Usage: "the directory for log files, empty to log to the console only",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Value: config.DefaultLogLevel,
			Usage: "the log level: debug, info, warn or error",
		},
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:    "serve",
			Aliases: []string{"s"},
			Usage:   "Serve a file to every client that connects",
			Action:  serveCmd,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "listen",
					Aliases: []string{"l"},
					Value:   config.DefaultListenAddr,
					Usage:   "the `HOST:PORT` to listen on, the port must be above 5000",
				},
				&cli.StringFlag{
					Name:    "file",
					Aliases: []string{"f"},
					Usage:   "the file to serve",
				},
				&cli.StringFlag{
					Name:    "name",
					Aliases: []string{"n"},
					Value:   config.DefaultServerName,
					Usage:   "the server name announced to clients",
				},
				&cli.StringFlag{
					Name:  "file-name",
					Usage: "the file name announced to clients, defaults to the base name of --file",
				},
				&cli.IntFlag{
					Name:  "max-sessions",
					Value: config.DefaultMaxSessions,
					Usage: "the maximum number of concurrent sessions, 0 for no limit",
				},
				&cli.DurationFlag{
					Name:    "timeout",
					Aliases: []string{"t"},
					Value:   config.DefaultTimeout,
					Usage:   "the deadline for each read or write, 0 to disable",
				},
				&cli.UintFlag{
					Name:  "max-frame-size",
					Value: config.DefaultMaxFrameSize,
					Usage: "the largest handshake frame accepted, in bytes",
				},
			},
		},
		{
			Name:    "fetch",
			Aliases: []string{"f"},
			Usage:   "Fetch the file a server offers",
			Action:  fetchCmd,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "server",
					Aliases: []string{"s"},
					Value:   config.DefaultServerAddr,
					Usage:   "the server `HOST:PORT`",
				},
				&cli.StringFlag{
					Name:    "name",
					Aliases: []string{"n"},
					Value:   config.DefaultClientName,
					Usage:   "the client identity sent in the handshake",
				},
				&cli.StringFlag{
					Name:    "output",
					Aliases: []string{"o"},
					Usage:   "the output file, \"-\" for stdout",
				},
				&cli.StringFlag{
					Name:    "output-dir",
					Aliases: []string{"d"},
					Value:   config.DefaultOutputDir,
					Usage:   "the directory for the received file when --output is not set",
				},
				&cli.DurationFlag{
					Name:    "timeout",
					Aliases: []string{"t"},
					Value:   config.DefaultTimeout,
					Usage:   "the deadline for each read or write, 0 to disable",
				},
				&cli.DurationFlag{
					Name:  "dial-timeout",
					Value: config.DefaultDialTimeout,
					Usage: "the deadline for connecting",
				},
				&cli.UintFlag{
					Name:  "max-frame-size",
					Value: config.DefaultMaxFrameSize,
					Usage: "the largest handshake frame accepted, in bytes",
				},
				&cli.BoolFlag{
					Name:  "progress",
					Value: true,
					Usage: "show a progress bar on stderr",
				},
			},
		},
	}
	return app
}

func serveCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.IsServer = true
	setString(c, "listen", &cfg.ListenAddress)
	setString(c, "file", &cfg.FilePath)
	setString(c, "name", &cfg.ServerName)
	setString(c, "file-name", &cfg.FileName)
	if c.IsSet("max-sessions") {
		cfg.MaxSessions = c.Int("max-sessions")
	}
	if err := applyTransferFlags(c, cfg); err != nil {
		return err
	}

	return run(cfg, "server", server.Run)
}

func fetchCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.IsServer = false
	setString(c, "server", &cfg.ServerAddress)
	setString(c, "name", &cfg.ClientName)
	setString(c, "output", &cfg.OutputPath)
	setString(c, "output-dir", &cfg.OutputDir)
	if c.IsSet("dial-timeout") {
		cfg.DialTimeout = c.Duration("dial-timeout")
	}
	if c.IsSet("progress") {
		cfg.ShowProgress = c.Bool("progress")
	}
	if err := applyTransferFlags(c, cfg); err != nil {
		return err
	}

	return run(cfg, "client", client.Run)
}

// run validates cfg, sets up logging and runs fn until it returns or the
// process is interrupted.
func run(cfg *config.Config, mode string, fn func(context.Context, *config.Config) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if err := logging.SetupLogger(cfg.LogDir, level); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	logging.LogConfig(cfg)

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, cfg); err != nil {
		logging.LogError(err, mode)
		return cli.Exit("", 1)
	}
	if ctx.Err() != nil {
		slog.Info("Application shut down gracefully")
	}
	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	setString(c, "log-dir", &cfg.LogDir)
	setString(c, "log-level", &cfg.LogLevel)
	return cfg, nil
}

func applyTransferFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet("timeout") {
		cfg.Timeout = c.Duration("timeout")
	}
	if c.IsSet("max-frame-size") {
		size := c.Uint("max-frame-size")
		if uint64(size) > math.MaxUint32 {
			return fmt.Errorf("max-frame-size %d out of range", size)
		}
		cfg.MaxFrameSize = uint32(size)
	}
	return nil
}

func setString(c *cli.Context, name string, dst *string) {
	if c.IsSet(name) {
		*dst = c.String(name)
	}
}
