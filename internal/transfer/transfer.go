// Package transfer streams a payload as marker-prefixed chunks closed by a
// two-byte sentinel, and reads it back without ever asking the stream for
// more payload than was declared.
package transfer

import (
	"io"
	"log/slog"

	"chunkxfer/internal/channel"
	"chunkxfer/internal/errors"
	"chunkxfer/internal/protocol"
)

// Stats summarizes one direction of a transfer.
type Stats struct {
	Bytes  uint64
	Chunks int
	// EmptyMarkers counts continuation markers that arrived after the
	// declared size was already satisfied.
	EmptyMarkers int
}

// ChunkFunc is notified with the payload size of every chunk.
type ChunkFunc func(size int)

// Send writes payload in chunks of protocol.ChunkMax bytes (the last one may
// be shorter), each behind a continuation marker, then the sentinel. The
// sentinel is written even for an empty payload.
//
// Receivers size each chunk as min(ChunkMax, remaining); chunks must match.
func Send(w channel.ExactWriter, payload []byte, onChunk ChunkFunc) (Stats, error) {
	var stats Stats
	frame := make([]byte, 0, 1+protocol.ChunkMax)

	for sent := 0; sent < len(payload); {
		n := min(protocol.ChunkMax, len(payload)-sent)

		frame = append(frame[:0], protocol.MarkerContinue)
		frame = append(frame, payload[sent:sent+n]...)
		if err := w.WriteExact(frame); err != nil {
			return stats, err
		}

		sent += n
		stats.Bytes += uint64(n)
		stats.Chunks++
		if onChunk != nil {
			onChunk(n)
		}
	}

	if err := w.WriteExact(protocol.Sentinel[:]); err != nil {
		return stats, err
	}
	return stats, nil
}

// Receive reads chunks until the sentinel and writes their payload to sink.
// The amount requested per chunk is derived from fileSize and what has
// already arrived, never from the stream.
func Receive(r channel.ExactReader, fileSize uint64, sink io.Writer, onChunk ChunkFunc) (Stats, error) {
	var stats Stats
	var marker [1]byte
	buf := make([]byte, protocol.ChunkMax)

	for {
		if err := r.ReadFull(marker[:]); err != nil {
			return stats, err
		}

		switch marker[0] {
		case protocol.MarkerEnd:
			if err := r.ReadFull(marker[:]); err != nil {
				return stats, err
			}
			if marker[0] != protocol.MarkerEnd {
				return stats, errors.NewUnexpectedByteError("read_sentinel", "malformed termination sentinel", marker[0])
			}
			if stats.Bytes != fileSize {
				return stats, errors.NewProtocolError("read_sentinel", "transfer truncated",
					errors.NewValidationError("received_bytes", stats.Bytes, "does not match declared file size"))
			}
			return stats, nil

		case protocol.MarkerContinue:
			want := min(uint64(protocol.ChunkMax), fileSize-stats.Bytes)
			if want == 0 {
				stats.EmptyMarkers++
				slog.Debug("Continuation marker with nothing outstanding", "received", stats.Bytes)
				continue
			}

			chunk := buf[:want]
			if err := r.ReadFull(chunk); err != nil {
				return stats, err
			}
			if _, err := sink.Write(chunk); err != nil {
				return stats, errors.NewFileSystemError("write_output", "sink", err)
			}

			stats.Bytes += want
			stats.Chunks++
			if onChunk != nil {
				onChunk(int(want))
			}

		default:
			return stats, errors.NewUnexpectedByteError("read_marker", "unexpected marker byte", marker[0])
		}
	}
}
