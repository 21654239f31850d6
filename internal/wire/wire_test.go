package wire

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/daginferd/internal/runinfo"
)

func TestErrReplyAddsPrefixOnlyWhenMissing(t *testing.T) {
	require.Equal(t, "ERR empty command", errReply(errors.New("ERR empty command")))
	require.Equal(t, "ERR boom", errReply(errors.New("boom")))
}

type fakeSubmitter struct {
	readOnlySeen bool
	submitErr    error
}

func (f *fakeSubmitter) Submit(_ context.Context, cmd string, readOnly bool, client runinfo.ClientHandle) (*runinfo.RunInfo, error) {
	f.readOnlySeen = readOnly
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	client.Unblock([]byte("OK:" + cmd))
	return nil, nil
}

func TestServerRoundTripsOneCommandPerLine(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sub := &fakeSubmitter{}
	srv := &Server{addr: ln.Addr().String(), engine: sub}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(ctx, conn)
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("DAGRUN |> TensorSet a FLOAT32 1 VALUES 1.0\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "OK:DAGRUN |> TensorSet a FLOAT32 1 VALUES 1.0\n", reply)
	require.False(t, sub.readOnlySeen)
}

func TestServerDoesNotDoublePrefixAlreadyPrefixedSubmitError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sub := &fakeSubmitter{submitErr: errors.New("ERR empty command")}
	srv := &Server{addr: ln.Addr().String(), engine: sub}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv.handleConn(ctx, conn)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("bogus command\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ERR empty command\n", reply)
}

func TestServerDetectsReadOnlyVariant(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sub := &fakeSubmitter{}
	srv := &Server{addr: ln.Addr().String(), engine: sub}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv.handleConn(ctx, conn)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("DAGRUN_RO |> TensorGet a\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.True(t, sub.readOnlySeen)
}
