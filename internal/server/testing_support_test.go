package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"imapgate/internal/conf"
	"imapgate/internal/db"
	"imapgate/internal/store"
)

// MockConn implements net.Conn over in-memory buffers. Reads fail with
// ReadErr, or net.ErrClosed, once the scripted input is consumed.
type MockConn struct {
	mu          sync.Mutex
	readBuffer  []byte
	writeBuffer []byte
	readPos     int
	closed      bool
	ReadErr     error
}

func NewMockConn() *MockConn {
	return &MockConn{}
}

func (m *MockConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readPos >= len(m.readBuffer) {
		if m.ReadErr != nil {
			return 0, m.ReadErr
		}
		return 0, net.ErrClosed
	}
	n := copy(b, m.readBuffer[m.readPos:])
	m.readPos += n
	return n, nil
}

func (m *MockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeBuffer = append(m.writeBuffer, b...)
	return len(b), nil
}

func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockConn) LocalAddr() net.Addr                { return nil }
func (m *MockConn) RemoteAddr() net.Addr               { return nil }
func (m *MockConn) SetDeadline(t time.Time) error      { return nil }
func (m *MockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *MockConn) SetWriteDeadline(t time.Time) error { return nil }

func (m *MockConn) GetWrittenData() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.writeBuffer)
}

func (m *MockConn) AddReadData(data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuffer = append(m.readBuffer, []byte(data)...)
}

func (m *MockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockTLSConn wraps MockConn to simulate TLS connection
type MockTLSConn struct {
	*MockConn
}

func NewMockTLSConn() *MockTLSConn {
	return &MockTLSConn{MockConn: NewMockConn()}
}

// Indicate to server code that this mock represents a TLS connection
func (m *MockTLSConn) IsTLS() bool { return true }

// timeoutError satisfies net.Error with Timeout() true.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type testEnv struct {
	srv   *IMAPServer
	store *db.Store
	cfg   *conf.Config
}

const (
	testUser     = "alice"
	testAddress  = "alice@example.com"
	testPassword = "secret"
)

// setupTestServer creates a server over a fresh SQLite store holding one
// user. configure may adjust the configuration before the server is built.
func setupTestServer(t *testing.T, configure func(*conf.Config)) *testEnv {
	t.Helper()

	cfg := conf.DefaultConfig()
	cfg.Domain = "example.com"
	cfg.Database.Path = t.TempDir()
	if configure != nil {
		configure(cfg)
	}

	manager, err := db.NewDBManager(cfg.Database.Path)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	st := db.NewStore(manager, db.Options{Domain: cfg.Domain, BcryptCost: bcrypt.MinCost})
	_, err = st.CreateUser(context.Background(), testUser, testPassword)
	require.NoError(t, err)

	return &testEnv{
		srv:   NewIMAPServer(Options{Config: cfg, Store: st}),
		store: st,
		cfg:   cfg,
	}
}

func (e *testEnv) account(t *testing.T) store.Account {
	t.Helper()
	a, err := e.store.Authenticate(context.Background(), store.Credentials{Username: testUser, Password: testPassword})
	require.NoError(t, err)
	return a
}

// deliver stores msg in folder the way the ingestion pipeline does and
// returns its UID in that mailbox.
func (e *testEnv) deliver(t *testing.T, folder string, msg *store.Message) uint32 {
	t.Helper()
	ctx := context.Background()
	a := e.account(t)

	var err error
	msg.UID.Account, err = a.NextUID(ctx, store.ScopeFolder)
	require.NoError(t, err)
	scope := store.ResolveMailbox(folder).Scope
	if scope == store.ScopeDomain {
		msg.UID.Domain, err = a.NextUID(ctx, store.ScopeDomain)
		require.NoError(t, err)
	}
	msg.Folder = folder
	require.NoError(t, a.StoreMail(ctx, msg))
	return msg.UIDIn(scope)
}

func sampleMessage(subject string, flags store.Flags) *store.Message {
	return &store.Message{
		From:         []store.Address{{Name: "Bob", Email: "bob@example.org"}},
		To:           []store.Address{{Email: testAddress}},
		Subject:      subject,
		MessageID:    strings.ReplaceAll(strings.ToLower(subject), " ", "-") + "@example.org",
		Date:         time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
		InternalDate: time.Date(2024, 5, 1, 9, 31, 0, 0, time.UTC),
		Text:         "Body of " + subject,
		Flags:        flags,
	}
}

// scriptConn is a MockConn or a MockTLSConn.
type scriptConn interface {
	net.Conn
	AddReadData(data string)
	GetWrittenData() string
}

// session runs a scripted connection to completion and returns what the
// server wrote.
func (e *testEnv) session(t *testing.T, conn scriptConn, lines ...string) string {
	t.Helper()
	conn.AddReadData(strings.Join(lines, "\r\n") + "\r\n")
	e.srv.HandleConnection(context.Background(), conn)
	return conn.GetWrittenData()
}

func (e *testEnv) run(t *testing.T, lines ...string) string {
	t.Helper()
	return e.session(t, NewMockConn(), lines...)
}

func loginLine(tag string) string {
	return fmt.Sprintf(`%s LOGIN "%s" "%s"`, tag, testUser, testPassword)
}

// responseLines splits output into CRLF lines.
func responseLines(out string) []string {
	return strings.Split(strings.TrimSuffix(out, "\r\n"), "\r\n")
}

// linesWithPrefix returns the output lines starting with prefix, in order.
func linesWithPrefix(out, prefix string) []string {
	var res []string
	for _, l := range responseLines(out) {
		if strings.HasPrefix(l, prefix) {
			res = append(res, l)
		}
	}
	return res
}

// HasCapabilityToken checks capability tokens exactly (avoids substring matches like LOGIN in LOGINDISABLED)
func HasCapabilityToken(line, token string) bool {
	line = strings.TrimSpace(line)
	const prefix = "* CAPABILITY "
	if !strings.HasPrefix(line, prefix) {
		return false
	}
	for _, c := range strings.Fields(line[len(prefix):]) {
		if c == token {
			return true
		}
	}
	return false
}

// pipeClient drives a server connection over net.Pipe for tests that need
// the server and the client to run concurrently.
type pipeClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	done   chan struct{}
}

func (e *testEnv) dial(t *testing.T) *pipeClient {
	t.Helper()
	client, server := net.Pipe()
	pc := &pipeClient{t: t, conn: client, reader: bufio.NewReader(client), done: make(chan struct{})}
	go func() {
		defer close(pc.done)
		e.srv.HandleConnection(context.Background(), server)
	}()
	t.Cleanup(func() {
		client.Close()
		<-pc.done
	})
	pc.expectPrefix("* OK ")
	return pc
}

func (pc *pipeClient) write(line string) {
	pc.t.Helper()
	require.NoError(pc.t, pc.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := pc.conn.Write([]byte(line + "\r\n"))
	require.NoError(pc.t, err)
}

func (pc *pipeClient) readLine() string {
	pc.t.Helper()
	require.NoError(pc.t, pc.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := pc.reader.ReadString('\n')
	require.NoError(pc.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (pc *pipeClient) expectPrefix(prefix string) string {
	pc.t.Helper()
	line := pc.readLine()
	require.True(pc.t, strings.HasPrefix(line, prefix), "expected %q, got %q", prefix, line)
	return line
}

// readUntil reads lines up to and including the one starting with prefix.
func (pc *pipeClient) readUntil(prefix string) []string {
	pc.t.Helper()
	var lines []string
	for {
		line := pc.readLine()
		lines = append(lines, line)
		if strings.HasPrefix(line, prefix) {
			return lines
		}
	}
}

// GenerateTestCertificates generates self-signed certificates for testing STARTTLS
// Returns the paths to the cert and key files
func GenerateTestCertificates(t *testing.T) (certPath, keyPath string) {
	t.Helper()
	tmpDir := t.TempDir()
	certPath = filepath.Join(tmpDir, "fullchain.pem")
	keyPath = filepath.Join(tmpDir, "privkey.pem")

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Test IMAP Server"},
			CommonName:   "localhost",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}))
	require.NoError(t, certOut.Close())

	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}

// withTLS configures certificate material on cfg.
func withTLS(t *testing.T) func(*conf.Config) {
	certPath, keyPath := GenerateTestCertificates(t)
	return func(cfg *conf.Config) {
		cfg.TLS.CertFile = certPath
		cfg.TLS.KeyFile = keyPath
	}
}
