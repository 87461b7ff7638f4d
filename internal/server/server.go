package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"chunkxfer/internal/channel"
	"chunkxfer/internal/config"
	"chunkxfer/internal/errors"
	"chunkxfer/internal/filesystem"
	"chunkxfer/internal/logging"
	"chunkxfer/internal/network"
	"chunkxfer/internal/progress"
	"chunkxfer/internal/session"

	"github.com/dustin/go-humanize"
)

// Server hands the same file to every client that connects.
type Server struct {
	cfg *config.Config
	src session.Source

	wg sync.WaitGroup
}

// New creates a server for src. cfg supplies the server name, per-operation
// timeout, frame limit and connection limit.
func New(cfg *config.Config, src session.Source) *Server {
	return &Server{cfg: cfg, src: src}
}

// Run loads the configured file and serves it until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	info, data, err := filesystem.ReadSource(cfg.FilePath)
	if err != nil {
		return err
	}

	name := cfg.FileName
	if name == "" {
		name = info.Name
	}
	slog.Info("Serving file",
		"file", name,
		"size", humanize.IBytes(uint64(info.Size)),
		"md5", filesystem.CalculateHash(data))

	listener, err := network.Listen(cfg.ListenAddress, cfg.MaxSessions)
	if err != nil {
		return err
	}

	return New(cfg, session.Source{Name: name, Data: data}).Serve(ctx, listener)
}

// Serve accepts connections on listener and runs one session per
// connection, each on its own goroutine. It closes listener when ctx is
// cancelled and returns once every session has finished.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	slog.Info("Server ready to accept connections",
		"address", network.DisplayAddress(listener.Addr()),
		"server_name", s.cfg.ServerName)

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Server shutting down")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				slog.Warn("Temporary accept failure", "error", err)
				continue
			}
			listener.Close()
			return errors.NewTransportError("accept", listener.Addr().String(), err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection runs a single session on conn
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	peer := network.PeerString(conn)

	// Apply TCP optimizations
	if err := network.OptimizeTCPConnection(conn); err != nil {
		slog.Warn("Failed to optimize TCP connection", "peer", peer, "error", err)
	}

	tracker := progress.NewTracker(nil)
	tracker.SetTotal(uint64(len(s.src.Data)))

	sess := session.NewServer(channel.New(conn, channel.Options{Timeout: s.cfg.Timeout}), s.src, session.ServerOptions{
		ServerName:   s.cfg.ServerName,
		MaxFrameSize: s.cfg.MaxFrameSize,
		Observer:     tracker,
	})

	logging.LogSessionStart("server", sess.ID(), peer)
	start := time.Now()

	res, err := sess.Run(ctx)
	duration := time.Since(start)
	if err != nil {
		logging.LogError(err, "session "+sess.ID())
		logging.LogSessionEnd(sess.ID(), false, res.Stats.Bytes, duration)
		return
	}

	slog.Info("Client identified",
		"session_id", res.ID,
		"client_name", res.Hello.ClientName,
		"query", res.Hello.Query,
		"ready", res.Ready)
	logging.LogTransferComplete(res.Metadata.FileName, res.Stats.Bytes, res.Stats.Chunks, duration)
	logging.LogSessionEnd(res.ID, true, res.Stats.Bytes, duration)
}
