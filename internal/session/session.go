// Package session sequences one handshake-plus-transfer exchange over a
// single channel:
//
//	Connected -> HandshakeSent -> AwaitingMetadata -> MetadataReceived ->
//	AwaitingReady -> Streaming -> Terminated
//
// Any I/O or protocol error moves the session to Failed instead. Both
// terminal states close the channel. A session runs once.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"chunkxfer/internal/channel"
	"chunkxfer/internal/errors"
	"chunkxfer/internal/protocol"
	"chunkxfer/internal/transfer"

	"github.com/google/uuid"
)

var errReused = errors.NewProtocolError("run", "session already used", nil)

// Source is the file a server hands out. Data is shared by every session
// serving it and must not be modified.
type Source struct {
	Name string
	Data []byte
}

// ServerOptions configures the sending side.
type ServerOptions struct {
	ServerName   string
	MaxFrameSize uint32
	Observer     Observer
}

// ServerResult reports what a completed server session exchanged.
type ServerResult struct {
	ID       string
	Hello    protocol.Hello
	Ready    string
	Metadata protocol.TransferMetadata
	Stats    transfer.Stats
}

// Server is the sending side of one session.
type Server struct {
	m    *machine
	ch   channel.Channel
	src  Source
	opts ServerOptions
	used atomic.Bool
}

// NewServer creates a session for an accepted channel. The session takes
// ownership of ch.
func NewServer(ch channel.Channel, src Source, opts ServerOptions) *Server {
	return &Server{
		m:    newMachine(uuid.NewString(), ch, opts.Observer),
		ch:   ch,
		src:  src,
		opts: opts,
	}
}

// ID returns the session identifier used in logs.
func (s *Server) ID() string { return s.m.id }

// State returns the current phase.
func (s *Server) State() State { return s.m.current() }

// Run performs the handshake and streams the source to the client.
func (s *Server) Run(ctx context.Context) (ServerResult, error) {
	res := ServerResult{ID: s.m.id}
	if !s.used.CompareAndSwap(false, true) {
		return res, errReused
	}

	stop := context.AfterFunc(ctx, func() { s.ch.Close() })
	defer stop()

	err := s.run(&res)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("session %s cancelled: %w (%v)", s.m.id, ctx.Err(), err)
		}
		return res, s.m.fail(err)
	}
	return res, nil
}

func (s *Server) run(res *ServerResult) error {
	hello, err := protocol.ReadHello(s.ch, s.opts.MaxFrameSize)
	if err != nil {
		return err
	}
	res.Hello = hello
	slog.Debug("Client hello received",
		"session_id", s.m.id,
		"client_name", hello.ClientName,
		"reserved_query", hello.Query)
	if err := s.m.advance(HandshakeSent); err != nil {
		return err
	}

	if err := s.m.advance(AwaitingMetadata); err != nil {
		return err
	}
	res.Metadata = protocol.TransferMetadata{
		ServerName: s.opts.ServerName,
		FileName:   s.src.Name,
		FileSize:   uint64(len(s.src.Data)),
	}
	if err := protocol.WriteMetadata(s.ch, res.Metadata); err != nil {
		return err
	}
	if err := s.m.advance(MetadataReceived); err != nil {
		return err
	}

	if err := s.m.advance(AwaitingReady); err != nil {
		return err
	}
	if res.Ready, err = protocol.AwaitReady(s.ch, s.opts.MaxFrameSize); err != nil {
		return err
	}
	if err := s.m.advance(Streaming); err != nil {
		return err
	}

	stats, err := transfer.Send(s.ch, s.src.Data, s.m.chunk)
	res.Stats = stats
	if err != nil {
		return err
	}
	return s.m.advance(Terminated)
}

// ClientOptions configures the receiving side.
type ClientOptions struct {
	ClientName string
	// Query and Ready fill the reserved handshake frames. Empty values
	// fall back to protocol.DefaultQuery and protocol.DefaultReady.
	Query        string
	Ready        string
	MaxFrameSize uint32
	Observer     Observer
	// OnMetadata runs after the metadata arrives and before the ready
	// signal is sent. Returning an error aborts the session.
	OnMetadata func(protocol.TransferMetadata) error
}

// ClientResult reports what a completed client session received.
type ClientResult struct {
	ID       string
	Metadata protocol.TransferMetadata
	Stats    transfer.Stats
}

// Client is the receiving side of one session.
type Client struct {
	m    *machine
	ch   channel.Channel
	opts ClientOptions
	used atomic.Bool
}

// NewClient creates a session for a connected channel. The session takes
// ownership of ch.
func NewClient(ch channel.Channel, opts ClientOptions) *Client {
	if opts.Query == "" {
		opts.Query = protocol.DefaultQuery
	}
	if opts.Ready == "" {
		opts.Ready = protocol.DefaultReady
	}
	return &Client{
		m:    newMachine(uuid.NewString(), ch, opts.Observer),
		ch:   ch,
		opts: opts,
	}
}

// ID returns the session identifier used in logs.
func (c *Client) ID() string { return c.m.id }

// State returns the current phase.
func (c *Client) State() State { return c.m.current() }

// Run performs the handshake and writes the received payload to sink.
func (c *Client) Run(ctx context.Context, sink io.Writer) (ClientResult, error) {
	res := ClientResult{ID: c.m.id}
	if !c.used.CompareAndSwap(false, true) {
		return res, errReused
	}

	stop := context.AfterFunc(ctx, func() { c.ch.Close() })
	defer stop()

	err := c.run(&res, sink)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("session %s cancelled: %w (%v)", c.m.id, ctx.Err(), err)
		}
		return res, c.m.fail(err)
	}
	return res, nil
}

func (c *Client) run(res *ClientResult, sink io.Writer) error {
	if err := protocol.SendHello(c.ch, c.opts.ClientName, c.opts.Query); err != nil {
		return err
	}
	if err := c.m.advance(HandshakeSent); err != nil {
		return err
	}

	if err := c.m.advance(AwaitingMetadata); err != nil {
		return err
	}
	meta, err := protocol.ReadMetadata(c.ch, c.opts.MaxFrameSize)
	if err != nil {
		return err
	}
	res.Metadata = meta
	if err := c.m.advance(MetadataReceived); err != nil {
		return err
	}
	if c.opts.OnMetadata != nil {
		if err := c.opts.OnMetadata(meta); err != nil {
			return err
		}
	}

	if err := c.m.advance(AwaitingReady); err != nil {
		return err
	}
	if err := protocol.SendReady(c.ch, c.opts.Ready); err != nil {
		return err
	}
	if err := c.m.advance(Streaming); err != nil {
		return err
	}

	stats, err := transfer.Receive(c.ch, meta.FileSize, sink, c.m.chunk)
	res.Stats = stats
	if err != nil {
		return err
	}
	return c.m.advance(Terminated)
}
