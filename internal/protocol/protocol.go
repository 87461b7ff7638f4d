package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"chunkxfer/internal/channel"
	"chunkxfer/internal/errors"
)

// Wire markers used by the chunked transfer phase
const (
	MarkerContinue = byte('1') // A payload chunk follows
	MarkerEnd      = byte('0') // Both bytes of the termination sentinel
)

// Wire sizes
const (
	ChunkMax            = 100 // Largest payload chunk a receiver expects
	LengthPrefixSize    = 4
	U64Size             = 8
	SentinelSize        = 2
	DefaultMaxFrameSize = 1024 * 1024 // 1MB
)

// Literals a client sends in the reserved handshake fields by default
const (
	DefaultQuery = "Query file name"
	DefaultReady = "Start"
)

// Sentinel is the two-byte end-of-transfer marker.
var Sentinel = [SentinelSize]byte{MarkerEnd, MarkerEnd}

// AppendString appends the length-prefixed frame for s to buf.
func AppendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// AppendU64 appends v as 8 big-endian bytes.
func AppendU64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

// EncodeString writes s as a single length-prefixed frame.
func EncodeString(w channel.ExactWriter, s string) error {
	if uint64(len(s)) > math.MaxUint32 {
		return errors.NewProtocolError("encode_string", fmt.Sprintf("string of %d bytes exceeds frame limit", len(s)), nil)
	}
	return w.WriteExact(AppendString(make([]byte, 0, LengthPrefixSize+len(s)), s))
}

// DecodeString reads one length-prefixed frame. A limit of zero accepts any
// length the prefix can express.
func DecodeString(r channel.ExactReader, limit uint32) (string, error) {
	var header [LengthPrefixSize]byte
	if err := r.ReadFull(header[:]); err != nil {
		return "", err
	}

	n := binary.BigEndian.Uint32(header[:])
	if limit > 0 && n > limit {
		return "", errors.NewProtocolError("decode_string", fmt.Sprintf("frame too large: %d bytes (limit %d)", n, limit), nil)
	}
	if n == 0 {
		return "", nil
	}

	body, err := r.ReadExact(int(n))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// EncodeU64 writes v in network byte order.
func EncodeU64(w channel.ExactWriter, v uint64) error {
	return w.WriteExact(AppendU64(make([]byte, 0, U64Size), v))
}

// DecodeU64 reads a network byte order uint64.
func DecodeU64(r channel.ExactReader) (uint64, error) {
	var buf [U64Size]byte
	if err := r.ReadFull(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
