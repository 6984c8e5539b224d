package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"imapgate/internal/logging"
	"imapgate/internal/models"
	"imapgate/internal/server/idle"
	"imapgate/internal/server/middleware"
	"imapgate/internal/server/parser"
	"imapgate/internal/store"
)

const maxLoggedLine = 2000

var (
	errLiteralRejected = errors.New("literal rejected")
	literalSuffixRe    = regexp.MustCompile(`\{(\d+)(\+?)\}$`)
	fetchLiteralRe     = regexp.MustCompile(`\{(\d+)\}\r\n`)
)

// connection owns one client socket and its Session. Everything except
// the write path runs on the connection's own goroutine.
type connection struct {
	server *IMAPServer
	conn   net.Conn
	reader *bufio.Reader
	sess   *models.Session
	logger log.Logger

	writeMu sync.Mutex
	closed  atomic.Bool

	// Set by the IDLE manager's goroutines.
	idleView  atomic.Pointer[idleView]
	idleEnded atomic.Bool
	notified  atomic.Bool
}

// idleView is the mailbox an idling session watches, captured when IDLE
// starts so the manager never reads the Session.
type idleView struct {
	account store.Account
	mailbox string
}

var (
	_ idle.Client          = (*connection)(nil)
	_ middleware.Responder = (*connection)(nil)
)

func newConnection(s *IMAPServer, conn net.Conn) *connection {
	sess := models.NewSession()
	sess.TLS = isTLS(conn)

	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	return &connection{
		server: s,
		conn:   conn,
		reader: bufio.NewReader(conn),
		sess:   sess,
		logger: log.With(s.logger, "session", sess.ID, "remote", remote),
	}
}

// isTLS detects a TLS connection, or a test double that claims to be one.
func isTLS(conn net.Conn) bool {
	if _, ok := conn.(*tls.Conn); ok {
		return true
	}
	type tlsAware interface{ IsTLS() bool }
	if ta, ok := conn.(tlsAware); ok && ta.IsTLS() {
		return true
	}
	return false
}

func (c *connection) serve(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(c.logger).Log("msg", "panic in connection handler", "panic", r, "stack", string(debug.Stack()))
		}
		c.teardown()
	}()

	level.Debug(c.logger).Log("msg", "connection opened", "tls", c.sess.TLS)
	c.SendResponse(fmt.Sprintf("* OK [CAPABILITY %s] imapgate ready", c.capabilities()))

	for !c.closed.Load() {
		line, err := c.readCommand()
		if errors.Is(err, errLiteralRejected) {
			continue
		}
		if err != nil {
			c.readFailed(err)
			return
		}
		if !c.handleLine(ctx, line) {
			return
		}
	}
}

// handleLine processes one complete command. It returns false when the
// connection must close.
func (c *connection) handleLine(ctx context.Context, line string) bool {
	if c.sess.Idling {
		return c.handleIdleLine(ctx, line)
	}
	if strings.TrimSpace(line) == "" {
		return true
	}

	if !c.server.throttle.Allow(c.sess.ID) {
		c.server.metrics.Throttled.Add(1)
		c.SendResponse(fmt.Sprintf("%s NO [LIMIT] Too many commands", lineTag(line)))
		return true
	}

	cmd, err := parser.Parse(line)
	if err != nil {
		tag := lineTag(line)
		var perr *parser.Error
		if errors.As(err, &perr) {
			tag = perr.Tag
		}
		c.SendResponse(fmt.Sprintf("%s BAD %s", tag, err.Error()))
		return true
	}

	return c.dispatch(ctx, cmd)
}

// lineTag is the best-effort tag of an unparsed line.
func lineTag(line string) string {
	tag, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	if tag == "" || strings.ContainsAny(tag, "{}\"()%*\\+") {
		return "*"
	}
	return tag
}

func (c *connection) readTimeout() time.Duration {
	limits := c.server.cfg.Limits
	if c.sess.Idling {
		// The sweep ends an idle session at the first heartbeat past MaxAge.
		return limits.IdleMaxAge + limits.IdleHeartbeat + limits.SocketTimeout
	}
	return limits.SocketTimeout
}

// readLine reads one CRLF terminated line without its terminator.
func (c *connection) readLine() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout())); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readCommand reads a command line and splices in every literal it
// announces, so the parser sees "{n}\r\n" followed by the n octets.
func (c *connection) readCommand() (string, error) {
	var b strings.Builder
	for {
		line, err := c.readLine()
		if err != nil {
			return "", err
		}
		b.WriteString(line)

		m := literalSuffixRe.FindStringSubmatch(line)
		if m == nil || c.sess.Idling {
			return b.String(), nil
		}
		size, err := strconv.ParseInt(m[1], 10, 64)
		nonSync := m[2] == "+"

		if err != nil || size > c.server.cfg.Limits.MaxLiteral {
			if nonSync {
				// The octets are already on their way; there is no way
				// to resynchronise.
				c.SendResponse("* BYE Literal too large")
				return "", fmt.Errorf("non-synchronising literal of %s octets exceeds limit", m[1])
			}
			c.SendResponse(fmt.Sprintf("%s NO [TOOBIG] Literal too large", lineTag(b.String())))
			return "", errLiteralRejected
		}

		if !nonSync {
			c.SendResponse("+ Ready for literal data")
		}
		data := make([]byte, size)
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout())); err != nil {
			return "", err
		}
		if _, err := io.ReadFull(c.reader, data); err != nil {
			return "", err
		}
		b.WriteString("\r\n")
		b.Write(data)
	}
}

// readFailed logs a read error at a severity matching its cause. An idle
// timeout is announced to the client.
func (c *connection) readFailed(err error) {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		c.SendResponse("* BYE Timeout")
		level.Info(c.logger).Log("msg", "connection timed out")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF):
		level.Debug(c.logger).Log("msg", "connection closed by client", "err", err)
	case c.closed.Load():
		level.Debug(c.logger).Log("msg", "connection closed", "err", err)
	default:
		level.Error(c.logger).Log("msg", "failed to read from client", "err", err)
	}
}

// Send writes one line. It is safe for concurrent use by the IDLE manager.
func (c *connection) Send(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return net.ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.Limits.SocketTimeout)); err != nil {
		return err
	}
	if _, err := io.WriteString(c.conn, line+"\r\n"); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	level.Debug(c.logger).Log("msg", "sent", "line", sanitizeForLogging(line))
	return nil
}

// SendResponse writes a line, logging instead of returning a failure. The
// read loop notices a broken socket on its next read.
func (c *connection) SendResponse(line string) {
	if err := c.Send(line); err != nil && !c.closed.Load() {
		level.Debug(c.logger).Log("msg", "failed to send response", "err", err)
	}
}

// sanitizeForLogging masks message content in FETCH literals and truncates
// long lines.
func sanitizeForLogging(line string) string {
	if strings.Contains(line, " FETCH (") {
		line = fetchLiteralRe.ReplaceAllStringFunc(line, func(lit string) string {
			return strings.TrimSuffix(lit, "\r\n") + " [content omitted] "
		})
		if i := strings.Index(line, "[content omitted]"); i >= 0 {
			line = line[:i+len("[content omitted]")]
		}
	}
	return logging.Truncate(line, maxLoggedLine)
}

// SessionID implements idle.Client.
func (c *connection) SessionID() string {
	return c.sess.ID
}

// Exists implements idle.Client.
func (c *connection) Exists(ctx context.Context) (int, error) {
	v := c.idleView.Load()
	if v == nil {
		return 0, errors.New("session is not idling")
	}
	status, err := v.account.Status(ctx, v.mailbox)
	if err != nil {
		return 0, err
	}
	c.notified.Store(true)
	return status.Total, nil
}

// EndIdle implements idle.Client. The manager has already written the
// tagged completion.
func (c *connection) EndIdle() {
	c.idleEnded.Store(true)
}

// upgrade swaps the socket for its TLS wrapper. Bytes the client sent
// before the handshake are dropped together with the old reader.
func (c *connection) upgrade(ctx context.Context, cfg *tls.Config) error {
	tlsConn := tls.Server(c.conn, cfg)
	if err := tlsConn.SetDeadline(time.Now().Add(c.server.cfg.Limits.SocketTimeout)); err != nil {
		return err
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return err
	}

	c.writeMu.Lock()
	c.conn = tlsConn
	c.writeMu.Unlock()
	c.reader = bufio.NewReader(tlsConn)
	c.sess.TLS = true
	return nil
}

// close is called by Shutdown from another goroutine.
func (c *connection) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.CompareAndSwap(false, true) {
		c.conn.Close()
	}
}

func (c *connection) teardown() {
	if c.sess.Idling {
		c.server.idle.Deregister(c.sess.ID)
	}
	c.server.throttle.Forget(c.sess.ID)
	c.sess.Logout()
	c.close()
	level.Debug(c.logger).Log("msg", "connection closed")
}
