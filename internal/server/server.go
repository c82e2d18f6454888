package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/cortex/internal/engine"
	"github.com/dreamware/cortex/internal/jobs"
	"github.com/dreamware/cortex/internal/logging"
	"github.com/dreamware/cortex/internal/protocol"
	"github.com/dreamware/cortex/internal/shardrouter"
)

// Options configures a Server. Zero values are replaced by setDefaults with
// the values named in spec §4.8/§6.
type Options struct {
	// BindAddr is the binary-protocol listen address.
	BindAddr string
	// ControlAddr is the NL control-surface listen address (§12).
	ControlAddr string

	// WorkerPoolSize bounds concurrent binary-protocol connections: a
	// fixed-size pool of goroutines each owning one connection for its
	// lifetime (spec §4.8).
	WorkerPoolSize int
	// ControlWorkerPoolSize bounds concurrent NL connections separately,
	// since the control surface is low-traffic relative to the data path.
	ControlWorkerPoolSize int

	// ShutdownDrainTimeout bounds how long graceful shutdown waits for
	// in-flight requests before forcing connections closed (spec §4.8).
	ShutdownDrainTimeout time.Duration

	// SecureMode and AuthSecret implement §6's signed-envelope requirement
	// on the data listener. AuthSecret is ignored when SecureMode is false.
	SecureMode bool
	AuthSecret string
}

func (o *Options) setDefaults() {
	if o.BindAddr == "" {
		o.BindAddr = ":50051"
	}
	if o.ControlAddr == "" {
		o.ControlAddr = ":9000"
	}
	if o.WorkerPoolSize <= 0 {
		o.WorkerPoolSize = 64
	}
	if o.ControlWorkerPoolSize <= 0 {
		o.ControlWorkerPoolSize = 8
	}
	if o.ShutdownDrainTimeout <= 0 {
		o.ShutdownDrainTimeout = 5 * time.Second
	}
}

// Server is the TCP front end (C8): one listener speaking the binary
// protocol, one speaking the NL control grammar, both routing through the
// same shard router and sharing the same graceful-shutdown drain: stop
// accepting, signal in-flight handlers, then drain up to a deadline. It is
// a hand-rolled drain rather than an http.Server.Shutdown call, since this
// protocol is not HTTP.
type Server struct {
	opts     Options
	router   *shardrouter.Router
	embedder engine.EmbeddingClient
	jobs     *jobs.Runner
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	dataListener    net.Listener
	controlListener net.Listener

	auth *authGuard

	wg sync.WaitGroup
}

// New constructs a Server. runner may be nil if background jobs are
// disabled entirely; it does not listen until Serve is called.
func New(router *shardrouter.Router, embedder engine.EmbeddingClient, runner *jobs.Runner, opts Options) *Server {
	opts.setDefaults()
	if embedder == nil {
		embedder = engine.NoopEmbedder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		router:   router,
		embedder: embedder,
		jobs:     runner,
		log:      logging.WithComponent("server"),
		ctx:      ctx,
		cancel:   cancel,
	}
	if opts.SecureMode {
		s.auth = newAuthGuard(opts.AuthSecret)
	}
	return s
}

// Serve opens both listeners and blocks, running the fixed-size worker
// pools, until Shutdown is called. It returns nil on a clean shutdown.
func (s *Server) Serve() error {
	dataLis, err := net.Listen("tcp", s.opts.BindAddr)
	if err != nil {
		return fmt.Errorf("server: binary listener: %w", err)
	}
	s.dataListener = dataLis

	controlLis, err := net.Listen("tcp", s.opts.ControlAddr)
	if err != nil {
		dataLis.Close()
		return fmt.Errorf("server: control listener: %w", err)
	}
	s.controlListener = controlLis

	s.log.Info().Str("bind_addr", s.opts.BindAddr).Str("control_addr", s.opts.ControlAddr).
		Int("workers", s.opts.WorkerPoolSize).Msg("server listening")

	for i := 0; i < s.opts.WorkerPoolSize; i++ {
		s.wg.Add(1)
		go s.acceptLoop(s.dataListener, s.handleDataConn)
	}
	for i := 0; i < s.opts.ControlWorkerPoolSize; i++ {
		s.wg.Add(1)
		go s.acceptLoop(s.controlListener, s.handleControlConn)
	}

	s.wg.Wait()
	return nil
}

// acceptLoop is one worker of the fixed-size pool: it owns calling Accept
// on the shared listener and, for each connection it receives, owns that
// socket synchronously for the connection's lifetime (spec §4.8 — a worker
// handles one connection end to end rather than dispatching work to a
// queue).
func (s *Server) acceptLoop(lis net.Listener, handle func(net.Conn)) {
	defer s.wg.Done()
	for {
		conn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			return
		}
		handle(conn)
	}
}

func (s *Server) handleDataConn(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := s.readDataRequest(conn)
		if err != nil {
			// A typed *protocol.Error (framing failure or, in secure mode,
			// a rejected envelope) gets its response written before the
			// connection closes, per §7's framing_error policy; a plain
			// I/O error (EOF, reset) means the peer is already gone.
			if perr, ok := err.(*protocol.Error); ok {
				_ = protocol.WriteResponse(conn, protocol.Response{Err: perr})
			}
			return
		}

		reqCtx, cancel := withRequestDeadline(s.ctx)
		result, perr := dispatch(reqCtx, s.router, s.embedder, s.jobs, req.Body)
		cancel()

		resp := protocol.Response{ReqID: req.ReqID, Result: result, Err: perr}
		if err := s.writeDataResponse(conn, resp); err != nil {
			return
		}
	}
}

// readDataRequest reads one frame and, in secure mode, verifies its signed
// envelope before decoding.
func (s *Server) readDataRequest(conn net.Conn) (protocol.Request, error) {
	if s.auth == nil {
		return protocol.ReadRequest(conn)
	}

	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		return protocol.Request{}, err
	}
	inner, err := s.auth.verify(payload)
	if err != nil {
		return protocol.Request{}, err
	}
	return protocol.DecodeRequest(inner)
}

func (s *Server) writeDataResponse(conn net.Conn, resp protocol.Response) error {
	if s.auth == nil {
		return protocol.WriteResponse(conn, resp)
	}
	payload, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(conn, s.auth.sign(payload))
}

func (s *Server) handleControlConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if line == "" && err != nil {
			return
		}

		body, parseErr := parseNL(line)
		var out string
		if parseErr != nil {
			out = fmt.Sprintf("ERR invalid_argument %s", parseErr)
		} else {
			reqCtx, cancel := withRequestDeadline(s.ctx)
			result, perr := dispatch(reqCtx, s.router, s.embedder, s.jobs, body)
			cancel()
			if perr != nil {
				out = formatNLError(perr)
			} else {
				out = formatNLResult(result)
			}
		}

		if _, writeErr := conn.Write([]byte(out + "\n")); writeErr != nil {
			return
		}
		if err != nil {
			return
		}
	}
}

// Shutdown stops accepting new connections, waits up to
// ShutdownDrainTimeout for in-flight requests to finish, then flushes every
// shard (spec §4.8: "stops accepting, drains in-flight requests up to a
// deadline, triggers a final flush(), and exits").
func (s *Server) Shutdown() error {
	s.cancel()
	if s.dataListener != nil {
		s.dataListener.Close()
	}
	if s.controlListener != nil {
		s.controlListener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.opts.ShutdownDrainTimeout):
		s.log.Warn().Msg("shutdown drain deadline exceeded, forcing exit")
	}

	return s.router.Flush()
}
