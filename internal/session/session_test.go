package session

import (
	"bytes"
	"context"
	goerrors "errors"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"chunkxfer/internal/channel"
	"chunkxfer/internal/errors"
	"chunkxfer/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []State
	chunks []int
}

func (r *recorder) OnTransition(_ string, _, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) OnChunk(_ string, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, size)
}

func (r *recorder) snapshot() ([]State, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...), append([]int(nil), r.chunks...)
}

var linear = []State{HandshakeSent, AwaitingMetadata, MetadataReceived, AwaitingReady, Streaming, Terminated}

func pipe(t *testing.T) (channel.Channel, channel.Channel) {
	t.Helper()
	a, b := net.Pipe()
	return channel.New(a, channel.Options{Timeout: 5 * time.Second}),
		channel.New(b, channel.Options{Timeout: 5 * time.Second})
}

type outcome struct {
	server    ServerResult
	serverErr error
	client    ClientResult
	clientErr error
	payload   []byte
}

func runPair(t *testing.T, src Source, srvObs, cliObs Observer) outcome {
	t.Helper()
	sch, cch := pipe(t)

	srv := NewServer(sch, src, ServerOptions{ServerName: "srv", MaxFrameSize: protocol.DefaultMaxFrameSize, Observer: srvObs})
	cli := NewClient(cch, ClientOptions{ClientName: "cli", MaxFrameSize: protocol.DefaultMaxFrameSize, Observer: cliObs})

	var out outcome
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		out.server, out.serverErr = srv.Run(context.Background())
	}()

	var buf bytes.Buffer
	out.client, out.clientErr = cli.Run(context.Background(), &buf)
	wg.Wait()
	out.payload = buf.Bytes()
	return out
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, Terminated.Terminal())
	assert.True(t, Failed.Terminal())
	assert.False(t, Streaming.Terminal())
}

func TestSessionTransfersFile(t *testing.T) {
	srvRec, cliRec := &recorder{}, &recorder{}
	src := Source{Name: "pattern.bin", Data: pattern(250)}

	out := runPair(t, src, srvRec, cliRec)
	require.NoError(t, out.serverErr)
	require.NoError(t, out.clientErr)

	assert.Equal(t, src.Data, out.payload)
	assert.Equal(t, protocol.TransferMetadata{ServerName: "srv", FileName: "pattern.bin", FileSize: 250}, out.client.Metadata)
	assert.Equal(t, "cli", out.server.Hello.ClientName)
	assert.Equal(t, protocol.DefaultQuery, out.server.Hello.Query)
	assert.Equal(t, protocol.DefaultReady, out.server.Ready)

	for _, rec := range []*recorder{srvRec, cliRec} {
		states, chunks := rec.snapshot()
		assert.Equal(t, linear, states)
		assert.Equal(t, []int{100, 100, 50}, chunks)
	}
}

func TestSessionEmptyFile(t *testing.T) {
	cliRec := &recorder{}
	out := runPair(t, Source{Name: "empty"}, nil, cliRec)
	require.NoError(t, out.serverErr)
	require.NoError(t, out.clientErr)

	assert.Equal(t, uint64(0), out.client.Metadata.FileSize)
	assert.Empty(t, out.payload)
	assert.Equal(t, 0, out.client.Stats.Chunks)

	states, chunks := cliRec.snapshot()
	assert.Equal(t, linear, states)
	assert.Empty(t, chunks)
}

func TestSessionsAreIndependent(t *testing.T) {
	src := Source{Name: "shared.bin", Data: pattern(1234)}

	first := runPair(t, src, nil, nil)
	second := runPair(t, src, nil, nil)
	require.NoError(t, first.clientErr)
	require.NoError(t, second.clientErr)

	assert.Equal(t, first.client.Metadata, second.client.Metadata)
	assert.Equal(t, first.payload, second.payload)
	assert.Equal(t, src.Data, second.payload)
	assert.NotEqual(t, first.client.ID, second.client.ID)
}

func TestSessionIsSingleUse(t *testing.T) {
	sch, cch := pipe(t)
	cch.Close()

	srv := NewServer(sch, Source{Name: "x"}, ServerOptions{})
	_, err := srv.Run(context.Background())
	require.Error(t, err)
	assert.True(t, goerrors.Is(err, errors.ErrPeerClosed))
	assert.Equal(t, Failed, srv.State())

	_, err = srv.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
}

func TestClientFailsOnBadMarker(t *testing.T) {
	sch, cch := pipe(t)
	rec := &recorder{}
	cli := NewClient(cch, ClientOptions{ClientName: "cli", Observer: rec})

	go func() {
		defer sch.Close()
		if _, err := protocol.ReadHello(sch, 0); err != nil {
			return
		}
		if err := protocol.WriteMetadata(sch, protocol.TransferMetadata{ServerName: "rogue", FileName: "f", FileSize: 10}); err != nil {
			return
		}
		if _, err := protocol.AwaitReady(sch, 0); err != nil {
			return
		}
		sch.WriteExact([]byte{'7', 'a', 'b'})
	}()

	var buf bytes.Buffer
	_, err := cli.Run(context.Background(), &buf)
	require.Error(t, err)
	assert.True(t, goerrors.Is(err, errors.ErrProtocol))
	assert.Empty(t, buf.Bytes())
	assert.Equal(t, Failed, cli.State())

	states, _ := rec.snapshot()
	assert.Equal(t, Failed, states[len(states)-1])

	// The channel is closed on entry to Failed.
	_, err = cch.ReadExact(1)
	assert.Error(t, err)
}

func TestServerFailsWhenClientVanishes(t *testing.T) {
	sch, cch := pipe(t)
	srv := NewServer(sch, Source{Name: "f", Data: pattern(10)}, ServerOptions{ServerName: "srv"})

	go func() {
		protocol.SendHello(cch, "cli", "")
		cch.Close()
	}()

	_, err := srv.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, srv.State())
}

func TestOnMetadataAbortsSession(t *testing.T) {
	sch, cch := pipe(t)
	srv := NewServer(sch, Source{Name: "f", Data: pattern(10)}, ServerOptions{ServerName: "srv"})
	reject := goerrors.New("refusing file")
	cli := NewClient(cch, ClientOptions{
		ClientName: "cli",
		OnMetadata: func(protocol.TransferMetadata) error { return reject },
	})

	done := make(chan error, 1)
	go func() {
		_, err := srv.Run(context.Background())
		done <- err
	}()

	_, err := cli.Run(context.Background(), &bytes.Buffer{})
	assert.ErrorIs(t, err, reject)
	assert.Equal(t, Failed, cli.State())

	require.Error(t, <-done)
	assert.Equal(t, Failed, srv.State())
}

func TestCancelUnblocksSession(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	srv := NewServer(channel.New(a, channel.Options{}), Source{Name: "f"}, ServerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := srv.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, srv.State())
}

func TestMachineRejectsOutOfOrderTransitions(t *testing.T) {
	sch, _ := pipe(t)
	m := newMachine("id", sch, nil)

	err := m.advance(AwaitingMetadata)
	require.Error(t, err)
	assert.True(t, goerrors.Is(err, errors.ErrProtocol))
	assert.Equal(t, Connected, m.current())

	require.NoError(t, m.advance(HandshakeSent))
	assert.Error(t, m.advance(HandshakeSent))
	assert.Error(t, m.advance(Failed))

	first := goerrors.New("first")
	assert.Equal(t, first, m.fail(first))
	assert.Equal(t, first, m.fail(goerrors.New("second")))
	assert.Error(t, m.advance(AwaitingMetadata))
	assert.Equal(t, Failed, m.current())
}

// closeErrStream accepts nothing and fails on Close.
type closeErrStream struct{}

func (closeErrStream) Read([]byte) (int, error)  { return 0, io.EOF }
func (closeErrStream) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
func (closeErrStream) Close() error              { return syscall.EBADF }

func TestTerminatedSurvivesCloseError(t *testing.T) {
	rec := &recorder{}
	m := newMachine("id", channel.New(closeErrStream{}, channel.Options{}), rec)

	for _, next := range linear {
		require.NoError(t, m.advance(next), "advance to %s", next)
	}
	assert.Equal(t, Terminated, m.current())

	states, _ := rec.snapshot()
	assert.Equal(t, linear, states, "observer sees the terminal transition")
}
