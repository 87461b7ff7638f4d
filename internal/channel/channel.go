// Package channel provides the byte-exact primitives the protocol is built on.
// Every higher layer can assume that a requested byte count is transferred
// completely or not at all.
package channel

import (
	goerrors "errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"chunkxfer/internal/errors"
)

// ExactReader reads exactly the requested number of bytes.
type ExactReader interface {
	ReadExact(n int) ([]byte, error)
	ReadFull(buf []byte) error
}

// ExactWriter writes every byte it is handed.
type ExactWriter interface {
	WriteExact(p []byte) error
}

// Channel is an owned, connected, bidirectional byte-stream endpoint.
type Channel interface {
	ExactReader
	ExactWriter
	Close() error
	RemoteAddr() string
}

// Options tunes a Channel.
type Options struct {
	// Timeout bounds every ReadExact/WriteExact call when the stream
	// supports deadlines. Zero disables deadlines.
	Timeout time.Duration
}

// maxEmptyReads bounds consecutive (0, nil) reads before a stream is
// considered stuck.
const maxEmptyReads = 100

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type remoteAddresser interface {
	RemoteAddr() net.Addr
}

// Stream implements Channel over any io.ReadWriteCloser.
type Stream struct {
	rw      io.ReadWriteCloser
	timeout time.Duration
	addr    string

	closeOnce sync.Once
	closeErr  error
}

// New wraps rw. The returned Stream owns rw and closes it exactly once.
func New(rw io.ReadWriteCloser, opts Options) *Stream {
	addr := "stream"
	if ra, ok := rw.(remoteAddresser); ok && ra.RemoteAddr() != nil {
		addr = ra.RemoteAddr().String()
	}
	return &Stream{
		rw:      rw,
		timeout: opts.Timeout,
		addr:    addr,
	}
}

// RemoteAddr returns the peer address, or "stream" when the transport has none.
func (s *Stream) RemoteAddr() string {
	return s.addr
}

// WriteExact does not return until all of p has been accepted by the
// transport. Interrupted calls and short writes are retried.
func (s *Stream) WriteExact(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := s.armWrite(); err != nil {
		return err
	}

	for len(p) > 0 {
		n, err := s.rw.Write(p)
		p = p[n:]
		if err != nil {
			if goerrors.Is(err, syscall.EINTR) {
				continue
			}
			return s.classify("write_exact", err)
		}
		if n == 0 {
			return s.classify("write_exact", io.ErrShortWrite)
		}
	}
	return nil
}

// ReadExact reads exactly n bytes into a new slice.
func (s *Stream) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := s.ReadFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadFull fills buf completely. End-of-stream before buf is full is reported
// as a PeerClosedError.
func (s *Stream) ReadFull(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := s.armRead(); err != nil {
		return err
	}

	got, empty := 0, 0
	for got < len(buf) {
		n, err := s.rw.Read(buf[got:])
		got += n
		if got == len(buf) {
			return nil
		}
		if n == 0 && err == nil {
			if empty++; empty >= maxEmptyReads {
				return s.classify("read_exact", io.ErrNoProgress)
			}
			continue
		}
		empty = 0
		if err != nil {
			if goerrors.Is(err, syscall.EINTR) {
				continue
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return errors.NewPeerClosedError("read_exact", got, len(buf))
			}
			return s.classify("read_exact", err)
		}
	}
	return nil
}

// Close closes the underlying stream. Subsequent calls return the first result.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rw.Close()
	})
	return s.closeErr
}

func (s *Stream) armRead() error {
	if s.timeout <= 0 {
		return nil
	}
	if d, ok := s.rw.(readDeadliner); ok {
		if err := d.SetReadDeadline(time.Now().Add(s.timeout)); err != nil && !isClosed(err) {
			return s.classify("set_read_deadline", err)
		}
	}
	return nil
}

func (s *Stream) armWrite() error {
	if s.timeout <= 0 {
		return nil
	}
	if d, ok := s.rw.(writeDeadliner); ok {
		if err := d.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil && !isClosed(err) {
			return s.classify("set_write_deadline", err)
		}
	}
	return nil
}

// isClosed reports a deadline refused because one end is already closed.
// The read or write that follows fails at once and tells which end it was.
func isClosed(err error) bool {
	return goerrors.Is(err, io.ErrClosedPipe) || goerrors.Is(err, net.ErrClosed)
}

func (s *Stream) classify(op string, err error) error {
	if isTimeout(err) {
		return errors.NewTimeoutError(op, s.addr, err)
	}
	return errors.NewTransportError(op, s.addr, err)
}

func isTimeout(err error) bool {
	if goerrors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return goerrors.As(err, &ne) && ne.Timeout()
}
