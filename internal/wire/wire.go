// Package wire implements the line-oriented DAGRUN/DAGRUN_RO protocol
// (spec.md §6): one connection, one DAG program per line, one reply per
// line. The handler goroutine blocks on a per-request channel until the
// scheduler calls back Unblock, the same blocking-request/async-
// completion bridge a command-handling layer uses against a background
// worker pool.
package wire

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"

	"github.com/swarmguard/daginferd/internal/runinfo"
)

const (
	maxLineBytes = 64 * 1024 * 1024
	readBufBytes = 64 * 1024
)

// Submitter is the subset of internal/engine.Engine the listener needs.
type Submitter interface {
	Submit(ctx context.Context, cmd string, readOnly bool, client runinfo.ClientHandle) (*runinfo.RunInfo, error)
}

// Server accepts TCP connections and feeds each newline-terminated command
// to engine.Submit, writing the assembled reply back before reading the
// connection's next command.
type Server struct {
	addr   string
	engine Submitter
}

func NewServer(addr string, engine Submitter) *Server {
	return &Server{addr: addr, engine: engine}
}

// ListenAndServe blocks accepting connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	slog.Info("wire listener started", "addr", s.addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, readBufBytes), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.handleCommand(ctx, conn, line)
	}
}

func (s *Server) handleCommand(ctx context.Context, conn net.Conn, line string) {
	readOnly := strings.HasPrefix(strings.ToUpper(line), "DAGRUN_RO")
	client := newConnClient(conn)

	_, err := s.engine.Submit(ctx, line, readOnly, client)
	if err != nil {
		writeReply(conn, []byte(errReply(err)))
		return
	}
	client.wait()
}

// errReply renders a Submit error as a wire reply, adding the "ERR "
// prefix only if the error doesn't already carry one (parser errors are
// already "ERR "-prefixed per spec.md §7).
func errReply(err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, "ERR ") {
		return msg
	}
	return "ERR " + msg
}

func writeReply(conn net.Conn, reply []byte) {
	if _, err := conn.Write(reply); err != nil {
		return
	}
	_, _ = conn.Write([]byte("\n"))
}

// connClient implements runinfo.ClientHandle over one TCP connection. Its
// request/response cycle is synchronous from the connection handler's
// point of view: handleCommand blocks on wait() until the scheduler calls
// Unblock, mirroring the host store's real block-client/unblock-client
// pair that spec.md treats as a consumed interface.
type connClient struct {
	conn      net.Conn
	done      chan struct{}
	discarded atomic.Bool
}

func newConnClient(conn net.Conn) *connClient {
	return &connClient{conn: conn, done: make(chan struct{})}
}

func (c *connClient) Unblock(reply []byte) {
	if !c.discarded.Load() {
		writeReply(c.conn, reply)
	}
	close(c.done)
}

func (c *connClient) Discarded() bool { return c.discarded.Load() }

func (c *connClient) wait() { <-c.done }
