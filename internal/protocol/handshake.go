package protocol

import (
	"chunkxfer/internal/channel"
	"chunkxfer/internal/errors"
)

// Hello is what a client announces before anything else.
type Hello struct {
	ClientName string
	// Query is reserved. Servers keep it for logging but never act on it;
	// it exists so the two-frame shape of the greeting stays compatible.
	Query string
}

// TransferMetadata describes the file a server is about to stream.
type TransferMetadata struct {
	ServerName string
	FileName   string
	FileSize   uint64
}

// SendHello writes the client identity followed by the reserved query frame.
func SendHello(w channel.ExactWriter, identity, query string) error {
	buf := make([]byte, 0, 2*LengthPrefixSize+len(identity)+len(query))
	buf = AppendString(buf, identity)
	buf = AppendString(buf, query)
	if err := w.WriteExact(buf); err != nil {
		return wrap("send_hello", err)
	}
	return nil
}

// ReadHello reads the client identity and the reserved query frame.
func ReadHello(r channel.ExactReader, limit uint32) (Hello, error) {
	name, err := DecodeString(r, limit)
	if err != nil {
		return Hello{}, wrap("read_hello", err)
	}
	query, err := DecodeString(r, limit)
	if err != nil {
		return Hello{}, wrap("read_hello", err)
	}
	return Hello{ClientName: name, Query: query}, nil
}

// WriteMetadata writes server name, file name and file size in that order.
func WriteMetadata(w channel.ExactWriter, m TransferMetadata) error {
	buf := make([]byte, 0, 2*LengthPrefixSize+len(m.ServerName)+len(m.FileName)+U64Size)
	buf = AppendString(buf, m.ServerName)
	buf = AppendString(buf, m.FileName)
	buf = AppendU64(buf, m.FileSize)
	if err := w.WriteExact(buf); err != nil {
		return wrap("write_metadata", err)
	}
	return nil
}

// ReadMetadata is the client side of WriteMetadata.
func ReadMetadata(r channel.ExactReader, limit uint32) (TransferMetadata, error) {
	var m TransferMetadata
	var err error

	if m.ServerName, err = DecodeString(r, limit); err != nil {
		return TransferMetadata{}, wrap("read_metadata", err)
	}
	if m.FileName, err = DecodeString(r, limit); err != nil {
		return TransferMetadata{}, wrap("read_metadata", err)
	}
	if m.FileSize, err = DecodeU64(r); err != nil {
		return TransferMetadata{}, wrap("read_metadata", err)
	}
	return m, nil
}

// SendReady tells the server to start streaming.
func SendReady(w channel.ExactWriter, signal string) error {
	if err := EncodeString(w, signal); err != nil {
		return wrap("send_ready", err)
	}
	return nil
}

// AwaitReady blocks until the client's ready frame arrives. Its content is
// returned for logging only; any string starts the transfer.
func AwaitReady(r channel.ExactReader, limit uint32) (string, error) {
	signal, err := DecodeString(r, limit)
	if err != nil {
		return "", wrap("await_ready", err)
	}
	return signal, nil
}

// wrap tags protocol violations with the handshake step. I/O failures pass
// through untouched so callers can still tell transport from peer-closed.
func wrap(op string, err error) error {
	var perr *errors.ProtocolError
	if errors.As(err, &perr) {
		return errors.NewProtocolError(op, "malformed handshake frame", err)
	}
	return err
}
