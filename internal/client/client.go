package client

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"chunkxfer/internal/channel"
	"chunkxfer/internal/config"
	"chunkxfer/internal/errors"
	"chunkxfer/internal/filesystem"
	"chunkxfer/internal/logging"
	"chunkxfer/internal/network"
	"chunkxfer/internal/progress"
	"chunkxfer/internal/protocol"
	"chunkxfer/internal/session"

	"github.com/dustin/go-humanize"
)

// Result describes a finished download.
type Result struct {
	SessionID string
	Metadata  protocol.TransferMetadata
	// Path is where the file was written, or config.StdoutPath.
	Path   string
	Bytes  uint64
	Chunks int
	MD5    string
}

// Client downloads one file per Fetch call.
type Client struct {
	cfg *config.Config

	// Stdout receives the payload when the output path is "-".
	Stdout io.Writer
	// Progress receives the console bar when progress is enabled. Nil
	// disables it.
	Progress io.Writer
}

// New creates a client writing to the process's stdout and stderr.
func New(cfg *config.Config) *Client {
	c := &Client{cfg: cfg, Stdout: os.Stdout}
	if cfg.ShowProgress {
		c.Progress = os.Stderr
	}
	return c
}

// Run fetches the file the configured server offers.
func Run(ctx context.Context, cfg *config.Config) error {
	_, err := New(cfg).Fetch(ctx)
	return err
}

// Fetch connects, performs one session and stores the payload.
func (c *Client) Fetch(ctx context.Context) (*Result, error) {
	slog.Info("Connecting to server", "server", c.cfg.ServerAddress)

	conn, err := network.Dial(ctx, c.cfg.ServerAddress, c.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	// Apply TCP optimizations
	if err := network.OptimizeTCPConnection(conn); err != nil {
		slog.Warn("Failed to optimize TCP connection", "error", err)
	}

	tracker := progress.NewTracker(c.Progress)
	out := &output{cfg: c.cfg, stdout: c.Stdout}
	defer out.abort()

	sess := session.NewClient(channel.New(conn, channel.Options{Timeout: c.cfg.Timeout}), session.ClientOptions{
		ClientName:   c.cfg.ClientName,
		MaxFrameSize: c.cfg.MaxFrameSize,
		Observer:     tracker,
		OnMetadata: func(meta protocol.TransferMetadata) error {
			slog.Info("Server offers file",
				"server_name", meta.ServerName,
				"file", meta.FileName,
				"size", humanize.IBytes(meta.FileSize))
			tracker.SetTotal(meta.FileSize)
			return out.open(meta)
		},
	})

	logging.LogSessionStart("client", sess.ID(), network.PeerString(conn))
	start := time.Now()

	res, err := sess.Run(ctx, out)
	duration := time.Since(start)
	if err != nil {
		logging.LogSessionEnd(sess.ID(), false, res.Stats.Bytes, duration)
		return nil, err
	}

	if err := out.commit(); err != nil {
		logging.LogSessionEnd(sess.ID(), false, res.Stats.Bytes, duration)
		return nil, err
	}

	result := &Result{
		SessionID: res.ID,
		Metadata:  res.Metadata,
		Path:      out.path,
		Bytes:     res.Stats.Bytes,
		Chunks:    res.Stats.Chunks,
		MD5:       out.hash.Sum(),
	}
	slog.Info("File received", "path", result.Path, "md5", result.MD5)
	logging.LogTransferComplete(res.Metadata.FileName, res.Stats.Bytes, res.Stats.Chunks, duration)
	logging.LogSessionEnd(res.ID, true, res.Stats.Bytes, duration)
	return result, nil
}

// output is the payload sink. Its destination is only known once the
// metadata names the file, so it is opened from the metadata callback.
type output struct {
	cfg    *config.Config
	stdout io.Writer

	path string
	file *filesystem.OutputFile
	hash *filesystem.HashingWriter
}

func (o *output) open(meta protocol.TransferMetadata) error {
	if o.cfg.OutputPath == config.StdoutPath {
		o.path = config.StdoutPath
		o.hash = filesystem.NewHashingWriter(o.stdout)
		return nil
	}

	path := o.cfg.OutputPath
	if path == "" {
		name, err := filesystem.SafeOutputName(meta.FileName)
		if err != nil {
			return err
		}
		path = filepath.Join(o.cfg.OutputDir, name)
	}

	if meta.FileSize > math.MaxInt64 {
		return errors.NewValidationError("file_size", meta.FileSize, "file size exceeds platform limit")
	}

	file, err := filesystem.CreateOutputFile(path)
	if err != nil {
		return err
	}
	if err := file.Preallocate(int64(meta.FileSize)); err != nil {
		file.Abort()
		return err
	}

	o.path = file.Path()
	o.file = file
	o.hash = filesystem.NewHashingWriter(file)
	return nil
}

func (o *output) Write(p []byte) (int, error) {
	if o.hash == nil {
		return 0, errors.NewFileSystemError("write", "output", os.ErrClosed)
	}
	return o.hash.Write(p)
}

func (o *output) commit() error {
	if o.file == nil {
		return nil
	}
	return o.file.Commit()
}

// abort drops a partial download. It does nothing after commit.
func (o *output) abort() {
	if o.file != nil {
		o.file.Abort()
	}
}
