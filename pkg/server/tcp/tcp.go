// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the chat listener: a non-blocking accept socket
// and per-connection line framing driven by the epoll reactor, with
// request handling pushed onto the worker pool.
package tcp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/elaysia-feng/nebulachat/internal/reactor"
	"github.com/elaysia-feng/nebulachat/pkg/errors"
	"github.com/elaysia-feng/nebulachat/pkg/server"
	"golang.org/x/sys/unix"
)

const readChunk = 4096

var (
	errListen   = errors.New("failed to open listening socket")
	errResolve  = errors.New("failed to resolve listen host")
	errOverflow = errors.New("line length limit exceeded")
)

// Handler consumes complete lines and connection teardown events. OnLine
// runs on a worker goroutine; OnClose runs on the event loop.
type Handler interface {
	OnLine(ctx context.Context, conn *Connection, line []byte)
	OnClose(conn *Connection)
}

// Executor schedules line handling off the event loop. Submit reports
// false once the executor is shut down.
type Executor interface {
	Submit(task func()) bool
}

// Config configures the chat listener.
type Config struct {
	server.Config
	MaxLineBytes int `env:"MAX_LINE_BYTES" envDefault:"65536"`
}

// Server accepts connections and frames newline-delimited requests.
type Server struct {
	cfg     Config
	reactor *reactor.Reactor
	exec    Executor
	handler Handler
	logger  *slog.Logger

	listenFd int
	addr     string
	ready    chan struct{}

	mu    sync.Mutex
	conns map[int]*Connection
}

// New creates a chat server over r. The reactor must not be shared with
// another dispatcher; Start installs this server as its dispatcher.
func New(cfg Config, r *reactor.Reactor, exec Executor, handler Handler, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		reactor:  r,
		exec:     exec,
		handler:  handler,
		logger:   logger,
		listenFd: -1,
		ready:    make(chan struct{}),
		conns:    map[int]*Connection{},
	}
}

// Ready is closed once the listening socket is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address. Valid after Ready.
func (s *Server) Addr() string {
	return s.addr
}

// Start binds the listening socket and runs the event loop until Stop.
func (s *Server) Start() error {
	if err := s.listen(); err != nil {
		return err
	}
	close(s.ready)
	s.logger.Info("chat server started", slog.String("address", s.addr))

	s.reactor.SetDispatcher(s.dispatch)
	return s.reactor.Loop()
}

// Stop terminates the loop and closes the listener and every connection.
func (s *Server) Stop() error {
	s.reactor.Stop()

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.closeConn(c)
	}

	if s.listenFd >= 0 {
		if err := unix.Close(s.listenFd); err != nil {
			return err
		}
		s.listenFd = -1
	}
	s.logger.Info("chat server stopped", slog.String("address", s.addr))
	return nil
}

func (s *Server) listen() error {
	host := s.cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		resolved, rerr := net.ResolveIPAddr("ip4", host)
		if rerr != nil {
			return errors.Wrap(errResolve, rerr)
		}
		ip = resolved.IP.To4()
		if ip == nil {
			return errors.Wrap(errResolve, fmt.Errorf("not an IPv4 address: %s", host))
		}
	}
	port, err := strconv.Atoi(s.cfg.Port)
	if err != nil {
		return errors.Wrap(errResolve, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(errListen, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return errors.Wrap(errListen, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return errors.Wrap(errListen, err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return errors.Wrap(errListen, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return errors.Wrap(errListen, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return errors.Wrap(errListen, err)
	}
	if in4, ok := bound.(*unix.SockaddrInet4); ok {
		s.addr = net.JoinHostPort(net.IP(in4.Addr[:]).String(), strconv.Itoa(in4.Port))
	}

	// The listener is registered level-triggered by keeping the accept
	// loop draining to EAGAIN on every notification.
	if err := s.reactor.Add(fd, reactor.EventRead, nil); err != nil {
		unix.Close(fd)
		return errors.Wrap(errListen, err)
	}
	s.listenFd = fd
	return nil
}

func (s *Server) dispatch(fd int, events uint32, user any) {
	if fd == s.listenFd {
		s.acceptAll()
		return
	}
	conn, ok := user.(*Connection)
	if !ok {
		return
	}
	if events&(reactor.EventErr|reactor.EventHup) != 0 {
		s.closeConn(conn)
		return
	}
	if events&reactor.EventRead != 0 {
		s.readConn(conn)
	}
	if events&reactor.EventWrite != 0 {
		s.writeConn(conn)
	}
}

func (s *Server) acceptAll() {
	for {
		fd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			s.logger.Warn("accept failed", slog.Any("error", err))
			return
		}

		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			s.logger.Warn("failed to set TCP_NODELAY", slog.Int("fd", fd), slog.Any("error", err))
		}

		conn := &Connection{fd: fd, remote: remoteAddr(sa)}
		s.mu.Lock()
		s.conns[fd] = conn
		s.mu.Unlock()

		if err := s.reactor.Add(fd, reactor.EventRead, conn); err != nil {
			s.logger.Warn("failed to register connection", slog.Int("fd", fd), slog.Any("error", err))
			s.mu.Lock()
			delete(s.conns, fd)
			s.mu.Unlock()
			unix.Close(fd)
			continue
		}
		s.logger.Debug("connection accepted", slog.Int("fd", fd), slog.String("remote", conn.remote))
	}
}

func remoteAddr(sa unix.Sockaddr) string {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return net.JoinHostPort(net.IP(in4.Addr[:]).String(), strconv.Itoa(in4.Port))
	}
	return "unknown"
}

// readConn drains the socket to EAGAIN and hands every complete line to
// the executor. A zero read or a fatal error tears the connection down.
func (s *Server) readConn(conn *Connection) {
	buf := make([]byte, readChunk)
	for {
		n, err := unix.Read(conn.fd, buf)
		if n > 0 {
			conn.mu.Lock()
			conn.in = append(conn.in, buf[:n]...)
			overflow := s.cfg.MaxLineBytes > 0 && len(conn.in) > s.cfg.MaxLineBytes && !bytes.ContainsRune(conn.in, '\n')
			conn.mu.Unlock()
			if overflow {
				s.logger.Warn("closing connection", slog.Int("fd", conn.fd), slog.Any("error", errOverflow))
				s.closeConn(conn)
				return
			}
			continue
		}
		if n == 0 {
			s.closeConn(conn)
			return
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err == unix.EINTR {
			continue
		}
		s.logger.Debug("read failed", slog.Int("fd", conn.fd), slog.Any("error", err))
		s.closeConn(conn)
		return
	}
	s.dispatchLines(conn)
}

func (s *Server) dispatchLines(conn *Connection) {
	for {
		conn.mu.Lock()
		idx := bytes.IndexByte(conn.in, '\n')
		if idx < 0 {
			conn.mu.Unlock()
			return
		}
		line := conn.in[:idx]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		conn.in = conn.in[idx+1:]
		conn.mu.Unlock()

		if len(frame) == 0 {
			continue
		}
		if !s.exec.Submit(func() {
			s.handler.OnLine(context.Background(), conn, frame)
		}) {
			return
		}
	}
}

// writeConn drains the outbound buffer. Once empty it either closes a
// connection flagged for short close or re-arms read-only interest.
func (s *Server) writeConn(conn *Connection) {
	conn.mu.Lock()
	for len(conn.out) > 0 {
		n, err := unix.Write(conn.fd, conn.out)
		if n > 0 {
			conn.out = conn.out[n:]
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			conn.mu.Unlock()
			return
		}
		if err == unix.EINTR {
			continue
		}
		conn.mu.Unlock()
		s.closeConn(conn)
		return
	}
	conn.out = nil
	conn.wantWrite = false
	closeAfter := conn.closeAfter
	conn.mu.Unlock()

	if closeAfter {
		s.closeConn(conn)
		return
	}
	if err := s.reactor.Modify(conn.fd, reactor.EventRead, nil); err != nil {
		s.closeConn(conn)
		return
	}

	// A concurrent Send may have armed Read|Write between the unlock above
	// and the read-only Modify, which then wiped the write interest. Check
	// under the lock and restore it if output arrived in that window.
	conn.mu.Lock()
	rearm := len(conn.out) > 0 && !conn.closed
	if rearm {
		conn.wantWrite = true
	}
	conn.mu.Unlock()
	if rearm {
		if err := s.reactor.Modify(conn.fd, reactor.EventRead|reactor.EventWrite, nil); err != nil {
			s.closeConn(conn)
		}
	}
}

// Send appends a line to the connection's outbound buffer and wakes the
// loop. The append, the interest flip and the wakeup happen in this order
// so a concurrent drain can never lose the payload.
func (s *Server) Send(conn *Connection, line string) {
	s.post(conn, line, false)
}

// SendFinal writes a line and closes the connection once it is flushed.
func (s *Server) SendFinal(conn *Connection, line string) {
	s.post(conn, line, true)
}

func (s *Server) post(conn *Connection, line string, closeAfter bool) {
	payload := append([]byte(line), '\n')
	arm, ok := conn.enqueue(payload, closeAfter)
	if !ok {
		return
	}
	if arm {
		if err := s.reactor.Modify(conn.fd, reactor.EventRead|reactor.EventWrite, nil); err != nil {
			s.logger.Debug("failed to arm write interest", slog.Int("fd", conn.fd), slog.Any("error", err))
			return
		}
	}
	s.reactor.Wakeup()
}

// SendTo looks a connection up by descriptor and sends line to it. Unknown
// descriptors are ignored, which makes room broadcasts safe against
// concurrent disconnects.
func (s *Server) SendTo(fd int, line string) {
	s.mu.Lock()
	conn := s.conns[fd]
	s.mu.Unlock()
	if conn != nil {
		s.Send(conn, line)
	}
}

// CloseConn tears the connection down without flushing pending output.
func (s *Server) CloseConn(conn *Connection) {
	s.closeConn(conn)
}

func (s *Server) closeConn(conn *Connection) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	conn.mu.Unlock()

	s.mu.Lock()
	delete(s.conns, conn.fd)
	s.mu.Unlock()

	if err := s.reactor.Remove(conn.fd); err != nil {
		s.logger.Debug("failed to deregister connection", slog.Int("fd", conn.fd), slog.Any("error", err))
	}
	unix.Close(conn.fd)
	s.logger.Debug("connection closed", slog.Int("fd", conn.fd), slog.String("remote", conn.remote))

	s.handler.OnClose(conn)
}
