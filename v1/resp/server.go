// Package resp serves an adapter.Backend over the Redis protocol, so that
// workers on several hosts can share one in-memory lock store through the
// regular Redis backend.
package resp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mirkobrombin/go-joblock/v1/adapter"
	"github.com/mirkobrombin/go-joblock/v1/metrics"
	"github.com/mirkobrombin/go-joblock/v1/syncbus"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("resp: server closed")

const defaultCommandTimeout = 5 * time.Second

// Server speaks the subset of the Redis protocol used by lock clients:
// PING, GET, SET (with NX), SETNX, GETSET, DEL, EXISTS, plus the handshake
// commands COMMAND, CLIENT, HELLO, SELECT, INFO and QUIT.
type Server struct {
	backend        adapter.Backend
	bus            syncbus.Bus
	logger         *slog.Logger
	commandTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCommandTimeout bounds each backend call made for a command.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.commandTimeout = d
	}
}

// WithBus publishes a lock event when SETNX creates a key and an unlock event
// when DEL removes one, so watchers see locks taken through the server.
func WithBus(bus syncbus.Bus) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// NewServer returns a Server exposing backend.
func NewServer(backend adapter.Backend, opts ...Option) *Server {
	s := &Server{
		backend:        backend,
		logger:         slog.Default(),
		commandTimeout: defaultCommandTimeout,
		conns:          make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on addr and serves connections.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("resp: accept failed", "error", err)
				continue
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the listener, closes open connections and waits for their
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) handle(conn net.Conn) {
	reader := NewReader(bufio.NewReader(conn))
	writer := NewWriter(bufio.NewWriter(conn))

	for {
		args, err := reader.ReadCommand()
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("resp: read failed", "remote", conn.RemoteAddr(), "error", err)
				if err == errProtocol {
					writer.WriteError(err.Error())
					_ = writer.Flush()
				}
			}
			return
		}
		quit := s.execute(writer, args)

		// answer pipelined commands with a single flush
		for !quit && reader.Buffered() > 0 {
			args, err = reader.ReadCommand()
			if err != nil {
				_ = writer.Flush()
				return
			}
			quit = s.execute(writer, args)
		}
		if err := writer.Flush(); err != nil || quit {
			return
		}
	}
}

// execute runs one command. It reports whether the connection must close.
func (s *Server) execute(w *Writer, args [][]byte) bool {
	if len(args) == 0 {
		return false
	}
	cmd := strings.ToUpper(string(args[0]))
	metrics.CommandCounter.WithLabelValues(commandLabel(cmd)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), s.commandTimeout)
	defer cancel()

	switch cmd {
	case "PING":
		if len(args) > 1 {
			w.WriteBulk(args[1])
		} else {
			w.WriteSimpleString("PONG")
		}
	case "GET":
		if !arity(w, args, 2) {
			return false
		}
		v, ok, err := s.backend.Get(ctx, string(args[1]))
		s.writeValue(w, v, ok, err)
	case "SET":
		if len(args) < 3 {
			wrongArgs(w, cmd)
			return false
		}
		s.set(ctx, w, args)
	case "SETNX":
		if !arity(w, args, 3) {
			return false
		}
		ok, err := s.backend.SetIfAbsent(ctx, string(args[1]), string(args[2]))
		if err != nil {
			s.writeErr(w, err)
			return false
		}
		if ok {
			s.publish(ctx, syncbus.LockTopic(string(args[1])))
		}
		w.WriteInt(boolInt(ok))
	case "GETSET":
		if !arity(w, args, 3) {
			return false
		}
		prev, ok, err := s.backend.Exchange(ctx, string(args[1]), string(args[2]))
		s.writeValue(w, prev, ok, err)
	case "DEL", "UNLINK":
		if len(args) < 2 {
			wrongArgs(w, cmd)
			return false
		}
		s.del(ctx, w, args[1:])
	case "EXISTS":
		if len(args) < 2 {
			wrongArgs(w, cmd)
			return false
		}
		var n int64
		for _, k := range args[1:] {
			ok, err := s.backend.Exists(ctx, string(k))
			if err != nil {
				s.writeErr(w, err)
				return false
			}
			n += boolInt(ok)
		}
		w.WriteInt(n)
	case "HELLO":
		// RESP3 is not spoken; clients fall back to RESP2
		w.WriteError("NOPROTO unsupported protocol version")
	case "COMMAND", "CLIENT":
		w.WriteSimpleString("OK")
	case "SELECT":
		if len(args) != 2 || string(args[1]) != "0" {
			w.WriteError("ERR DB index is out of range")
			return false
		}
		w.WriteSimpleString("OK")
	case "INFO":
		w.WriteBulk([]byte("# Server\r\nredis_version:6.0.0\r\njoblock_version:1.0.0\r\n"))
	case "QUIT":
		w.WriteSimpleString("OK")
		return true
	default:
		w.WriteError(fmt.Sprintf("ERR unknown command '%s'", cmd))
	}
	return false
}

// set handles SET key value [NX].
func (s *Server) set(ctx context.Context, w *Writer, args [][]byte) {
	key, value := string(args[1]), string(args[2])
	nx := false
	for _, opt := range args[3:] {
		if !strings.EqualFold(string(opt), "NX") {
			w.WriteError("ERR syntax error")
			return
		}
		nx = true
	}
	if nx {
		ok, err := s.backend.SetIfAbsent(ctx, key, value)
		switch {
		case err != nil:
			s.writeErr(w, err)
		case ok:
			s.publish(ctx, syncbus.LockTopic(key))
			w.WriteSimpleString("OK")
		default:
			w.WriteNull()
		}
		return
	}
	if _, _, err := s.backend.Exchange(ctx, key, value); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteSimpleString("OK")
}

func (s *Server) del(ctx context.Context, w *Writer, keys [][]byte) {
	var n int64
	for _, k := range keys {
		key := string(k)
		ok, err := s.backend.Delete(ctx, key)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if ok {
			s.publish(ctx, syncbus.UnlockTopic(key))
		}
		n += boolInt(ok)
	}
	w.WriteInt(n)
}

func (s *Server) publish(ctx context.Context, topic string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, topic); err != nil {
		s.logger.Warn("resp: publish failed", "topic", topic, "error", err)
	}
}

func (s *Server) writeValue(w *Writer, v string, ok bool, err error) {
	switch {
	case err != nil:
		s.writeErr(w, err)
	case !ok:
		w.WriteNull()
	default:
		w.WriteBulk([]byte(v))
	}
}

func (s *Server) writeErr(w *Writer, err error) {
	s.logger.Warn("resp: backend call failed", "error", err)
	w.WriteError("ERR " + err.Error())
}

func arity(w *Writer, args [][]byte, n int) bool {
	if len(args) != n {
		wrongArgs(w, strings.ToUpper(string(args[0])))
		return false
	}
	return true
}

func wrongArgs(w *Writer, cmd string) {
	w.WriteError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// commandLabel keeps the metric cardinality bounded.
func commandLabel(cmd string) string {
	switch cmd {
	case "PING", "GET", "SET", "SETNX", "GETSET", "DEL", "UNLINK", "EXISTS",
		"HELLO", "COMMAND", "CLIENT", "SELECT", "INFO", "QUIT":
		return cmd
	}
	return "OTHER"
}
