package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"imapgate/internal/conf"
	"imapgate/internal/metrics"
	"imapgate/internal/server/idle"
	"imapgate/internal/server/middleware"
	"imapgate/internal/store"
)

// Options are the collaborators of an IMAPServer. Logger and Metrics may
// be nil.
type Options struct {
	Config  *conf.Config
	Store   store.Store
	Logger  log.Logger
	Metrics *metrics.Metrics
	// TLS overrides the certificate files of Config.TLS when set.
	TLS *tls.Config
}

type IMAPServer struct {
	cfg       *conf.Config
	store     store.Store
	logger    log.Logger
	metrics   *metrics.Metrics
	idle      *idle.Manager
	throttle  *middleware.RateThrottler
	tlsConfig *tls.Config

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*connection]struct{}
	closing   bool
	wg        sync.WaitGroup
}

// NewIMAPServer wires a server. Unreadable certificate material is logged
// and leaves the server without TLS rather than failing.
func NewIMAPServer(opts Options) *IMAPServer {
	cfg := opts.Config
	if cfg == nil {
		cfg = conf.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(false)
	}

	tlsConfig := opts.TLS
	if tlsConfig == nil && cfg.TLS.Enabled() {
		var err error
		tlsConfig, err = LoadTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			level.Warn(logger).Log("msg", "TLS disabled", "err", err)
		}
	}

	return &IMAPServer{
		cfg:     cfg,
		store:   opts.Store,
		logger:  logger,
		metrics: m,
		idle: idle.New(logger, m.IdleSessions, idle.Options{
			Heartbeat: cfg.Limits.IdleHeartbeat,
			MaxAge:    cfg.Limits.IdleMaxAge,
		}),
		throttle:  middleware.NewRateThrottler(cfg.Limits.CommandsPerSecond, cfg.Limits.CommandBurst),
		tlsConfig: tlsConfig,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*connection]struct{}),
	}
}

// LoadTLSConfig reads a certificate and key pair.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS cert/key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// TLSAvailable reports whether STARTTLS and the implicit TLS listener can
// be offered.
func (s *IMAPServer) TLSAvailable() bool {
	return s.tlsConfig != nil
}

// Idle returns the process-wide IDLE registry.
func (s *IMAPServer) Idle() *idle.Manager {
	return s.idle
}

// NotifyNewMail pushes EXISTS to the idling sessions of the usernames.
func (s *IMAPServer) NotifyNewMail(ctx context.Context, usernames []string) int {
	return s.idle.NotifyNewMail(ctx, usernames)
}

// Start runs the background timers until ctx ends.
func (s *IMAPServer) Start(ctx context.Context) {
	s.idle.Start(ctx)
}

// ListenAndServe listens on addr in cleartext.
func (s *IMAPServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	level.Info(s.logger).Log("msg", "IMAP listening", "addr", addr, "starttls", s.TLSAvailable())
	return s.Serve(ctx, ln)
}

// ListenAndServeTLS listens on addr with implicit TLS.
func (s *IMAPServer) ListenAndServeTLS(ctx context.Context, addr string) error {
	if s.tlsConfig == nil {
		return errors.New("TLS is not configured")
	}
	ln, err := tls.Listen("tcp", addr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	level.Info(s.logger).Log("msg", "IMAPS listening", "addr", addr)
	return s.Serve(ctx, ln)
}

// Serve accepts connections until the listener is closed by Shutdown or
// ctx ends. It returns nil on a requested stop.
func (s *IMAPServer) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln, true) {
		ln.Close()
		return nil
	}
	defer s.trackListener(ln, false)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				level.Warn(s.logger).Log("msg", "accept failed, retrying", "err", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		tempDelay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.HandleConnection(ctx, conn)
		}()
	}
}

// HandleConnection runs one client connection to completion. A *tls.Conn
// is treated as already secure.
func (s *IMAPServer) HandleConnection(ctx context.Context, conn net.Conn) {
	c := newConnection(s, conn)
	if !s.trackConn(c, true) {
		c.SendResponse("* BYE Server shutting down")
		conn.Close()
		return
	}
	defer s.trackConn(c, false)

	s.metrics.Connections.Add(1)
	c.serve(ctx)
}

// Shutdown stops accepting, sends BYE to idling sessions, closes every
// connection and waits for their goroutines until ctx ends.
func (s *IMAPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	s.idle.Shutdown()

	s.mu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *IMAPServer) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *IMAPServer) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closing {
			return false
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
	return true
}

func (s *IMAPServer) trackConn(c *connection, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closing {
			return false
		}
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	return true
}
