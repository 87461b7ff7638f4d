package client

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	goerrors "errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chunkxfer/internal/channel"
	"chunkxfer/internal/config"
	"chunkxfer/internal/errors"
	"chunkxfer/internal/protocol"
	"chunkxfer/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveOnce accepts a single connection and runs a server session on it.
func serveOnce(t *testing.T, src session.Source) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		sess := session.NewServer(channel.New(conn, channel.Options{Timeout: 5 * time.Second}), src, session.ServerOptions{
			ServerName: "fixture",
		})
		sess.Run(context.Background())
	}()
	return ln.Addr().String()
}

// serveRaw accepts a single connection and lets fn speak the wire format.
func serveRaw(t *testing.T, fn func(conn net.Conn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}()
	return ln.Addr().String()
}

func clientConfig(addr string) *config.Config {
	cfg := config.Default()
	cfg.ServerAddress = addr
	cfg.ClientName = "test-client"
	cfg.Timeout = 5 * time.Second
	cfg.ShowProgress = false
	return cfg
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestFetchIntoOutputDir(t *testing.T) {
	payload := bytes.Repeat([]byte("xyz"), 100)
	addr := serveOnce(t, session.Source{Name: "triples.txt", Data: payload})

	cfg := clientConfig(addr)
	cfg.OutputDir = filepath.Join(t.TempDir(), "downloads")

	res, err := New(cfg).Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(cfg.OutputDir, "triples.txt"), res.Path)
	assert.Equal(t, uint64(300), res.Bytes)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, md5Hex(payload), res.MD5)
	assert.Equal(t, "fixture", res.Metadata.ServerName)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchToExplicitPath(t *testing.T) {
	payload := []byte("hello")
	addr := serveOnce(t, session.Source{Name: "ignored.txt", Data: payload})

	cfg := clientConfig(addr)
	cfg.OutputPath = filepath.Join(t.TempDir(), "chosen.bin")

	res, err := New(cfg).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.OutputPath, res.Path)

	got, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchToStdout(t *testing.T) {
	payload := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 41)
	addr := serveOnce(t, session.Source{Name: "a.bin", Data: payload})

	cfg := clientConfig(addr)
	cfg.OutputPath = config.StdoutPath

	var stdout bytes.Buffer
	c := New(cfg)
	c.Stdout = &stdout

	res, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.StdoutPath, res.Path)
	assert.Equal(t, payload, stdout.Bytes())
	assert.Equal(t, md5Hex(payload), res.MD5)
}

func TestFetchEmptyFile(t *testing.T) {
	addr := serveOnce(t, session.Source{Name: "empty", Data: nil})

	cfg := clientConfig(addr)
	cfg.OutputDir = t.TempDir()

	res, err := New(cfg).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.Bytes)

	info, err := os.Stat(res.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestFetchStripsRemotePath(t *testing.T) {
	addr := serveOnce(t, session.Source{Name: "../../etc/evil", Data: []byte("x")})

	cfg := clientConfig(addr)
	cfg.OutputDir = t.TempDir()

	res, err := New(cfg).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.OutputDir, "evil"), res.Path)
}

func TestFetchTruncatedTransferLeavesNoFile(t *testing.T) {
	addr := serveRaw(t, func(conn net.Conn) {
		ch := channel.New(conn, channel.Options{Timeout: 5 * time.Second})
		if _, err := protocol.ReadHello(ch, 0); err != nil {
			return
		}
		meta := protocol.TransferMetadata{ServerName: "liar", FileName: "short.bin", FileSize: 150}
		if err := protocol.WriteMetadata(ch, meta); err != nil {
			return
		}
		if _, err := protocol.AwaitReady(ch, 0); err != nil {
			return
		}
		chunk := append([]byte{protocol.MarkerContinue}, bytes.Repeat([]byte{'z'}, protocol.ChunkMax)...)
		ch.WriteExact(chunk)
		ch.WriteExact(protocol.Sentinel[:])
	})

	cfg := clientConfig(addr)
	cfg.OutputDir = t.TempDir()

	_, err := New(cfg).Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, goerrors.Is(err, errors.ErrProtocol))

	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial output must be removed")
}

func TestFetchRejectsUnusableName(t *testing.T) {
	addr := serveOnce(t, session.Source{Name: "..", Data: []byte("data")})

	cfg := clientConfig(addr)
	cfg.OutputDir = t.TempDir()

	_, err := New(cfg).Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, goerrors.Is(err, errors.ErrValidation))
}

func TestFetchDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := clientConfig(addr)
	cfg.OutputDir = t.TempDir()

	err = Run(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, goerrors.Is(err, errors.ErrTransport))
}
