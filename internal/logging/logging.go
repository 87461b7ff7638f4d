package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chunkxfer/internal/config"
	"chunkxfer/internal/errors"
	"chunkxfer/internal/filesystem"

	"github.com/dustin/go-humanize"
)

// SetupLogger initializes structured logging with file and console output.
// Console output goes to stderr so a client writing the payload to stdout
// keeps a clean stream. An empty dir disables the log file.
func SetupLogger(dir string, level slog.Level) error {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: false,
	}

	var out io.Writer = os.Stderr
	stamp := time.Now().Format("20060102_150405")

	if dir != "" {
		if err := filesystem.EnsureDirectoryExists(dir); err != nil {
			return err
		}

		logFileName := filepath.Join(dir, "chunkxfer_"+stamp+".log")
		logFile, err := os.Create(logFileName)
		if err != nil {
			// Continue with console logging only
			slog.Warn("Failed to create log file, using console only", "error", err)
		} else {
			out = io.MultiWriter(os.Stderr, logFile)
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, opts)))

	slog.Debug("Logging initialized", "log_id", stamp, "level", level.String())
	return nil
}

// LogConfig logs the current configuration
func LogConfig(cfg *config.Config) {
	if cfg.IsServer {
		slog.Info("Server configuration",
			"listen_address", cfg.ListenAddress,
			"file", cfg.FilePath,
			"server_name", cfg.ServerName,
			"max_sessions", cfg.MaxSessions,
			"timeout", cfg.Timeout.String(),
			"max_frame_size", humanize.IBytes(uint64(cfg.MaxFrameSize)))
		return
	}

	output := cfg.OutputPath
	if output == "" {
		output = cfg.OutputDir
	}
	slog.Info("Client configuration",
		"server_address", cfg.ServerAddress,
		"client_name", cfg.ClientName,
		"output", output,
		"timeout", cfg.Timeout.String(),
		"dial_timeout", cfg.DialTimeout.String(),
		"max_frame_size", humanize.IBytes(uint64(cfg.MaxFrameSize)))
}

// LogError logs an error with appropriate context. Categories are checked
// in order along the whole chain and the first match wins.
func LogError(err error, context string) {
	var (
		transportErr  *errors.TransportError
		peerClosedErr *errors.PeerClosedError
		protocolErr   *errors.ProtocolError
		fsErr         *errors.FileSystemError
		validationErr *errors.ValidationError
	)

	switch {
	case errors.As(err, &peerClosedErr):
		slog.Error("Peer closed connection",
			"context", context,
			"operation", peerClosedErr.Op,
			"received", peerClosedErr.Got,
			"expected", peerClosedErr.Want,
			"error_type", "peer_closed")
	case errors.As(err, &transportErr):
		slog.Error("Transport error",
			"context", context,
			"operation", transportErr.Op,
			"address", transportErr.Addr,
			"timeout", transportErr.Timeout,
			"error_type", "transport",
			"error", err)
	case errors.As(err, &protocolErr):
		slog.Error("Protocol error",
			"context", context,
			"operation", protocolErr.Op,
			"message", protocolErr.Message,
			"error_type", "protocol",
			"error", err)
	case errors.As(err, &fsErr):
		slog.Error("File system error",
			"context", context,
			"operation", fsErr.Op,
			"path", fsErr.Path,
			"error_type", "filesystem",
			"error", err)
	case errors.As(err, &validationErr):
		slog.Error("Validation error",
			"context", context,
			"field", validationErr.Field,
			"message", validationErr.Message,
			"error_type", "validation",
			"error", err)
	default:
		slog.Error("Unhandled error",
			"context", context,
			"error_type", "unknown",
			"error", err)
	}
}

// LogSessionStart logs the start of a transfer session
func LogSessionStart(mode, id, peer string) {
	slog.Info("Transfer session started",
		"mode", mode,
		"session_id", id,
		"peer", peer,
		"session_start", time.Now().Format("15:04:05"))
}

// LogStateChange logs a session phase transition
func LogStateChange(id, from, to string) {
	slog.Debug("Session state changed",
		"session_id", id,
		"from", from,
		"to", to)
}

// LogTransferComplete logs successful transfer completion
func LogTransferComplete(fileName string, size uint64, chunks int, duration time.Duration) {
	slog.Info("Transfer completed successfully",
		"file", fileName,
		"total_size", humanize.IBytes(size),
		"chunks", chunks,
		"duration", duration.Round(time.Millisecond).String(),
		"average_rate", rate(size, duration))
}

// LogSessionEnd logs the end of a transfer session
func LogSessionEnd(id string, success bool, totalBytes uint64, duration time.Duration) {
	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}

	slog.Info("Transfer session ended",
		"session_id", id,
		"status", status,
		"total_bytes_transferred", totalBytes,
		"session_duration", duration.Round(time.Millisecond).String(),
		"average_throughput", rate(totalBytes, duration),
		"session_end", time.Now().Format("15:04:05"))
}

func rate(size uint64, duration time.Duration) string {
	if duration <= 0 {
		return "n/a"
	}
	return humanize.IBytes(uint64(float64(size)/duration.Seconds())) + "/s"
}
