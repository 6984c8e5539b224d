package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imapgate/internal/conf"
)

func TestGreeting(t *testing.T) {
	env := setupTestServer(t, nil)
	out := env.run(t, "a1 LOGOUT")

	lines := responseLines(out)
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "* OK [CAPABILITY IMAP4rev1 "), lines[0])
	assert.True(t, strings.HasSuffix(lines[0], "] imapgate ready"), lines[0])
}

func TestCapability_WithoutTLS(t *testing.T) {
	env := setupTestServer(t, nil)
	out := env.run(t, "a1 CAPABILITY")

	caps := linesWithPrefix(out, "* CAPABILITY ")
	require.Len(t, caps, 1)
	assert.Equal(t, "* CAPABILITY IMAP4rev1 LITERAL+ SASL-IR LOGIN-REFERRALS ID ENABLE IDLE AUTH=PLAIN MOVE UIDPLUS", caps[0])
	assert.False(t, HasCapabilityToken(caps[0], "STARTTLS"))
	assert.False(t, HasCapabilityToken(caps[0], "LOGINDISABLED"))
	assert.Contains(t, out, "a1 OK CAPABILITY completed\r\n")
}

func TestCapability_TLSAvailable(t *testing.T) {
	env := setupTestServer(t, withTLS(t))
	require.True(t, env.srv.TLSAvailable())

	out := env.run(t, "a1 CAPABILITY")
	caps := linesWithPrefix(out, "* CAPABILITY ")
	require.Len(t, caps, 1)
	assert.True(t, HasCapabilityToken(caps[0], "STARTTLS"))
	assert.True(t, HasCapabilityToken(caps[0], "LOGINDISABLED"))
	assert.True(t, HasCapabilityToken(caps[0], "AUTH=PLAIN"))
}

func TestCapability_OverTLSConnection(t *testing.T) {
	env := setupTestServer(t, withTLS(t))
	conn := NewMockTLSConn()
	out := env.session(t, conn, "a1 CAPABILITY")

	caps := linesWithPrefix(out, "* CAPABILITY ")
	require.Len(t, caps, 1)
	assert.False(t, HasCapabilityToken(caps[0], "STARTTLS"))
	assert.False(t, HasCapabilityToken(caps[0], "LOGINDISABLED"))
}

func TestNewIMAPServer_BadCertificateDisablesTLS(t *testing.T) {
	env := setupTestServer(t, func(cfg *conf.Config) {
		cfg.TLS.CertFile = "/nonexistent/cert.pem"
		cfg.TLS.KeyFile = "/nonexistent/key.pem"
	})
	assert.False(t, env.srv.TLSAvailable())
}

func TestLogin(t *testing.T) {
	env := setupTestServer(t, nil)

	t.Run("Success", func(t *testing.T) {
		out := env.run(t, loginLine("a1"))
		ok := linesWithPrefix(out, "a1 ")
		require.Len(t, ok, 1)
		assert.True(t, strings.HasPrefix(ok[0], "a1 OK [CAPABILITY IMAP4rev1 "), ok[0])
		assert.True(t, strings.HasSuffix(ok[0], "] LOGIN completed"), ok[0])
	})

	t.Run("FullAddress", func(t *testing.T) {
		out := env.run(t, `a1 LOGIN alice@example.com secret`)
		assert.Contains(t, out, "] LOGIN completed\r\n")
	})

	t.Run("WrongPassword", func(t *testing.T) {
		out := env.run(t, `a1 LOGIN "alice" "wrong"`)
		assert.Contains(t, out, "a1 NO [AUTHENTICATIONFAILED] Invalid credentials.\r\n")
	})

	t.Run("UnknownUser", func(t *testing.T) {
		out := env.run(t, `a1 LOGIN "mallory" "secret"`)
		assert.Contains(t, out, "a1 NO [AUTHENTICATIONFAILED] Invalid credentials.\r\n")
	})

	t.Run("AlreadyAuthenticated", func(t *testing.T) {
		out := env.run(t, loginLine("a1"), loginLine("a2"))
		assert.Contains(t, out, "a2 BAD Already authenticated\r\n")
	})
}

func TestLogin_PrivacyRequired(t *testing.T) {
	env := setupTestServer(t, withTLS(t))
	out := env.run(t, loginLine("a1"), `a2 AUTHENTICATE PLAIN AGFsaWNlAHNlY3JldA==`)

	assert.Contains(t, out, "a1 NO [PRIVACYREQUIRED] LOGIN is disabled on insecure connection. Use STARTTLS first.\r\n")
	assert.Contains(t, out, "a2 NO [PRIVACYREQUIRED] Plaintext authentication disallowed without TLS\r\n")
}

func TestLogin_PlaintextAllowedWhenNotRequired(t *testing.T) {
	tlsCfg := withTLS(t)
	env := setupTestServer(t, func(cfg *conf.Config) {
		tlsCfg(cfg)
		cfg.TLS.RequireForAuth = false
	})
	out := env.run(t, loginLine("a1"))
	assert.Contains(t, out, "] LOGIN completed\r\n")
}

func TestLogin_OverTLS(t *testing.T) {
	env := setupTestServer(t, withTLS(t))
	conn := NewMockTLSConn()
	out := env.session(t, conn, loginLine("a1"))
	assert.Contains(t, out, "] LOGIN completed\r\n")
}

func plainResponse(identity, user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(identity + "\x00" + user + "\x00" + pass))
}

func TestAuthenticatePlain(t *testing.T) {
	env := setupTestServer(t, nil)

	t.Run("InitialResponse", func(t *testing.T) {
		out := env.run(t, "a1 AUTHENTICATE PLAIN "+plainResponse("", testUser, testPassword))
		assert.Contains(t, out, "] AUTHENTICATE completed\r\n")
		assert.NotContains(t, out, "+ \r\n")
	})

	t.Run("Continuation", func(t *testing.T) {
		out := env.run(t, "a1 AUTHENTICATE PLAIN", plainResponse("", testUser, testPassword))
		assert.Contains(t, out, "+ \r\n")
		assert.Contains(t, out, "] AUTHENTICATE completed\r\n")
	})

	t.Run("MatchingIdentity", func(t *testing.T) {
		out := env.run(t, "a1 AUTHENTICATE PLAIN "+plainResponse(testUser, testUser, testPassword))
		assert.Contains(t, out, "] AUTHENTICATE completed\r\n")
	})

	t.Run("ForeignIdentity", func(t *testing.T) {
		out := env.run(t, "a1 AUTHENTICATE PLAIN "+plainResponse("bob", testUser, testPassword))
		assert.Contains(t, out, "a1 NO [AUTHENTICATIONFAILED] Invalid credentials.\r\n")
	})

	t.Run("WrongPassword", func(t *testing.T) {
		out := env.run(t, "a1 AUTHENTICATE PLAIN "+plainResponse("", testUser, "nope"))
		assert.Contains(t, out, "a1 NO [AUTHENTICATIONFAILED] Invalid credentials.\r\n")
	})

	t.Run("Cancelled", func(t *testing.T) {
		out := env.run(t, "a1 AUTHENTICATE PLAIN", "*")
		assert.Contains(t, out, "a1 BAD AUTHENTICATE cancelled\r\n")
	})

	t.Run("EmptyResponse", func(t *testing.T) {
		out := env.run(t, "a1 AUTHENTICATE PLAIN =")
		assert.Contains(t, out, "a1 NO [AUTHENTICATIONFAILED] Invalid credentials.\r\n")
	})

	t.Run("InvalidBase64", func(t *testing.T) {
		out := env.run(t, "a1 AUTHENTICATE PLAIN !!!")
		assert.Contains(t, out, "a1 BAD Invalid base64 response\r\n")
	})

	t.Run("UnsupportedMechanism", func(t *testing.T) {
		out := env.run(t, "a1 AUTHENTICATE CRAM-MD5")
		assert.Contains(t, out, "a1 NO Unsupported authentication mechanism\r\n")
	})
}

func TestStateChecks(t *testing.T) {
	env := setupTestServer(t, nil)

	out := env.run(t, "a1 SELECT INBOX", "a2 LIST \"\" \"*\"", "a3 FETCH 1 FLAGS")
	assert.Contains(t, out, "a1 NO Please authenticate first\r\n")
	assert.Contains(t, out, "a2 NO Please authenticate first\r\n")
	assert.Contains(t, out, "a3 NO Please authenticate first\r\n")

	out = env.run(t, loginLine("a1"), "a2 FETCH 1 FLAGS", "a3 UID SEARCH ALL", "a4 CLOSE", "a5 IDLE")
	assert.Contains(t, out, "a2 NO No mailbox selected\r\n")
	assert.Contains(t, out, "a3 NO No mailbox selected\r\n")
	assert.Contains(t, out, "a4 NO No mailbox selected\r\n")
	assert.Contains(t, out, "a5 NO No mailbox selected\r\n")
}

func TestParseErrors(t *testing.T) {
	env := setupTestServer(t, nil)
	out := env.run(t, "a1 FROBNICATE", "a2 FETCH", "{bad", "a3 NOOP")

	assert.Contains(t, out, "a1 BAD unknown command FROBNICATE\r\n")
	assert.Contains(t, out, "a2 BAD ")
	assert.Contains(t, out, "* BAD ")
	assert.Contains(t, out, "a3 OK NOOP completed\r\n")
}

func TestLogout(t *testing.T) {
	env := setupTestServer(t, nil)
	conn := NewMockConn()
	out := env.session(t, conn, "a1 LOGOUT", "a2 NOOP")

	assert.Contains(t, out, "* BYE IMAP4rev1 Server logging out\r\na1 OK LOGOUT completed\r\n")
	assert.NotContains(t, out, "a2 ")
	assert.True(t, conn.IsClosed())
}

func TestReadTimeout(t *testing.T) {
	env := setupTestServer(t, nil)
	conn := NewMockConn()
	conn.ReadErr = timeoutError{}
	out := env.session(t, conn, "a1 NOOP")

	assert.Contains(t, out, "a1 OK NOOP completed\r\n")
	assert.True(t, strings.HasSuffix(out, "* BYE Timeout\r\n"), out)
	assert.True(t, conn.IsClosed())
}

func TestThrottle(t *testing.T) {
	env := setupTestServer(t, func(cfg *conf.Config) {
		cfg.Limits.CommandsPerSecond = 0.001
		cfg.Limits.CommandBurst = 2
	})
	out := env.run(t, "a1 NOOP", "a2 NOOP", "a3 NOOP")

	assert.Contains(t, out, "a1 OK NOOP completed\r\n")
	assert.Contains(t, out, "a2 OK NOOP completed\r\n")
	assert.Contains(t, out, "a3 NO [LIMIT] Too many commands\r\n")
	assert.Equal(t, 0, env.srv.throttle.Len())
}

func TestLiteralTooBig(t *testing.T) {
	env := setupTestServer(t, func(cfg *conf.Config) {
		cfg.Limits.MaxLiteral = 16
	})

	t.Run("Synchronising", func(t *testing.T) {
		out := env.run(t, loginLine("a1"), "a2 APPEND INBOX {100}", "a3 NOOP")
		assert.Contains(t, out, "a2 NO [TOOBIG] Literal too large\r\n")
		assert.NotContains(t, out, "+ Ready for literal data")
		assert.Contains(t, out, "a3 OK NOOP completed\r\n")
	})

	t.Run("NonSynchronising", func(t *testing.T) {
		conn := NewMockConn()
		out := env.session(t, conn, loginLine("a1"), "a2 APPEND INBOX {100+}", "a3 NOOP")
		assert.Contains(t, out, "* BYE Literal too large\r\n")
		assert.NotContains(t, out, "a3 ")
		assert.True(t, conn.IsClosed())
	})
}

func TestLiteralArguments(t *testing.T) {
	env := setupTestServer(t, nil)
	out := env.run(t, "a1 LOGIN {5}", "alice {6}", "secret")

	assert.Equal(t, 2, strings.Count(out, "+ Ready for literal data\r\n"))
	assert.Contains(t, out, "] LOGIN completed\r\n")

	out = env.run(t, "a1 LOGIN {5+}", "alice {6+}", "secret")
	assert.NotContains(t, out, "+ Ready for literal data")
	assert.Contains(t, out, "] LOGIN completed\r\n")
}

func TestStartTLS(t *testing.T) {
	env := setupTestServer(t, withTLS(t))
	pc := env.dial(t)

	pc.write(loginLine("a0"))
	pc.expectPrefix("a0 NO [PRIVACYREQUIRED]")

	pc.write("a1 STARTTLS")
	pc.expectPrefix("a1 OK Begin TLS negotiation now")

	tlsConn := tls.Client(pc.conn, &tls.Config{InsecureSkipVerify: true, ServerName: "localhost"})
	require.NoError(t, tlsConn.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, tlsConn.HandshakeContext(context.Background()))
	pc.conn = tlsConn
	pc.reader = bufio.NewReader(tlsConn)

	pc.write("a2 CAPABILITY")
	caps := pc.expectPrefix("* CAPABILITY ")
	assert.False(t, HasCapabilityToken(caps, "STARTTLS"))
	assert.False(t, HasCapabilityToken(caps, "LOGINDISABLED"))
	pc.expectPrefix("a2 OK")

	pc.write("a3 STARTTLS")
	pc.expectPrefix("a3 BAD TLS already active")

	pc.write(loginLine("a4"))
	line := pc.expectPrefix("a4 OK [CAPABILITY ")
	assert.True(t, strings.HasSuffix(line, "] LOGIN completed"))
}

func TestStartTLS_Unavailable(t *testing.T) {
	env := setupTestServer(t, nil)
	out := env.run(t, "a1 STARTTLS", "a2 NOOP")
	assert.Contains(t, out, "a1 NO TLS not available\r\n")
	assert.Contains(t, out, "a2 OK NOOP completed\r\n")
}

func TestStartTLS_AfterLogin(t *testing.T) {
	tlsCfg := withTLS(t)
	env := setupTestServer(t, func(cfg *conf.Config) {
		tlsCfg(cfg)
		cfg.TLS.RequireForAuth = false
	})
	out := env.run(t, loginLine("a1"), "a2 STARTTLS")
	assert.Contains(t, out, "a2 BAD STARTTLS not permitted after authentication\r\n")
}

func TestShutdown_RejectsNewConnections(t *testing.T) {
	env := setupTestServer(t, nil)
	require.NoError(t, env.srv.Shutdown(context.Background()))

	conn := NewMockConn()
	out := env.session(t, conn, "a1 NOOP")
	assert.Equal(t, "* BYE Server shutting down\r\n", out)
	assert.True(t, conn.IsClosed())
}
