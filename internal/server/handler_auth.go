package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/go-kit/kit/log/level"

	"imapgate/internal/models"
	"imapgate/internal/server/middleware"
	"imapgate/internal/server/parser"
	"imapgate/internal/store"
)

// ===== CAPABILITY =====

func (c *connection) capabilities() string {
	caps := []string{"IMAP4rev1", "LITERAL+", "SASL-IR", "LOGIN-REFERRALS", "ID", "ENABLE", "IDLE", "AUTH=PLAIN"}
	if c.loginDisabled() {
		caps = append(caps, "LOGINDISABLED")
	}
	caps = append(caps, "MOVE", "UIDPLUS")
	if !c.sess.TLS && c.server.TLSAvailable() {
		caps = append(caps, "STARTTLS")
	}
	return strings.Join(caps, " ")
}

// loginDisabled reports whether credentials must wait for STARTTLS.
func (c *connection) loginDisabled() bool {
	return !c.sess.TLS && c.server.TLSAvailable() && c.server.cfg.TLS.RequireForAuth
}

func (c *connection) handleCapability(ctx context.Context, tag string, sess *models.Session) {
	c.SendResponse("* CAPABILITY " + c.capabilities())
	c.SendResponse(fmt.Sprintf("%s OK CAPABILITY completed", tag))
}

// ===== LOGIN =====

func (c *connection) handleLogin(req parser.Login) middleware.HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		if c.loginDisabled() {
			c.SendResponse(fmt.Sprintf("%s NO [PRIVACYREQUIRED] LOGIN is disabled on insecure connection. Use STARTTLS first.", tag))
			return
		}
		c.authenticateUser(ctx, tag, sess, "LOGIN", store.Credentials{Username: req.Username, Password: req.Password})
	}
}

// ===== AUTHENTICATE =====

func (c *connection) handleAuthenticate(req parser.Authenticate) middleware.HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		if !strings.EqualFold(req.Mechanism, sasl.Plain) {
			c.SendResponse(fmt.Sprintf("%s NO Unsupported authentication mechanism", tag))
			return
		}
		if c.loginDisabled() {
			c.SendResponse(fmt.Sprintf("%s NO [PRIVACYREQUIRED] Plaintext authentication disallowed without TLS", tag))
			return
		}

		var creds store.Credentials
		var mismatch bool
		server := sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && !strings.EqualFold(identity, username) {
				mismatch = true
			}
			creds = store.Credentials{Username: username, Password: password}
			return nil
		})

		encoded := req.InitialResponse
		if !req.HasInitialResponse {
			c.SendResponse("+ ")
			line, err := c.readLine()
			if err != nil {
				level.Debug(c.logger).Log("msg", "failed to read SASL response", "err", err)
				return
			}
			encoded = strings.TrimSpace(line)
		}
		if encoded == "*" {
			c.SendResponse(fmt.Sprintf("%s BAD AUTHENTICATE cancelled", tag))
			return
		}

		response := []byte{}
		if encoded != "=" {
			var err error
			response, err = base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				c.SendResponse(fmt.Sprintf("%s BAD Invalid base64 response", tag))
				return
			}
		}

		if _, _, err := server.Next(response); err != nil || mismatch {
			c.server.metrics.LoginFailures.Add(1)
			c.SendResponse(fmt.Sprintf("%s NO [AUTHENTICATIONFAILED] Invalid credentials.", tag))
			return
		}
		c.authenticateUser(ctx, tag, sess, "AUTHENTICATE", creds)
	}
}

// authenticateUser checks credentials against the store and moves the
// session to the authenticated state.
func (c *connection) authenticateUser(ctx context.Context, tag string, sess *models.Session, verb string, creds store.Credentials) {
	account, err := c.server.store.Authenticate(ctx, creds)
	if err != nil {
		c.server.metrics.LoginFailures.Add(1)
		if errors.Is(err, store.ErrAuthFailed) {
			level.Info(c.logger).Log("msg", "authentication failed", "user", creds.Username)
			c.SendResponse(fmt.Sprintf("%s NO [AUTHENTICATIONFAILED] Invalid credentials.", tag))
			return
		}
		level.Error(c.logger).Log("msg", "authentication backend failed", "user", creds.Username, "err", err)
		c.SendResponse(fmt.Sprintf("%s NO [UNAVAILABLE] %s failed", tag, verb))
		return
	}

	sess.Login(account)
	c.server.metrics.Logins.Add(1)
	level.Info(c.logger).Log("msg", "authenticated", "user", sess.Username)
	c.SendResponse(fmt.Sprintf("%s OK [CAPABILITY %s] %s completed", tag, c.capabilities(), verb))
}

// ===== STARTTLS =====

// handleStartTLS upgrades the socket in place. It returns false when the
// handshake failed and the connection must close.
func (c *connection) handleStartTLS(ctx context.Context, tag string) bool {
	switch {
	case c.sess.TLS:
		c.SendResponse(fmt.Sprintf("%s BAD TLS already active", tag))
		return true
	case c.sess.Authenticated:
		c.SendResponse(fmt.Sprintf("%s BAD STARTTLS not permitted after authentication", tag))
		return true
	case !c.server.TLSAvailable():
		c.SendResponse(fmt.Sprintf("%s NO TLS not available", tag))
		return true
	}

	c.SendResponse(fmt.Sprintf("%s OK Begin TLS negotiation now", tag))
	if err := c.upgrade(ctx, c.server.tlsConfig); err != nil {
		level.Warn(c.logger).Log("msg", "STARTTLS failed", "err", err)
		return false
	}
	level.Debug(c.logger).Log("msg", "connection upgraded to TLS")
	return true
}

// ===== LOGOUT =====

func (c *connection) handleLogout(ctx context.Context, tag string, sess *models.Session) {
	c.SendResponse("* BYE IMAP4rev1 Server logging out")
	c.SendResponse(fmt.Sprintf("%s OK LOGOUT completed", tag))
}
