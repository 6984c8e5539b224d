package middleware_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"imapgate/internal/models"
	"imapgate/internal/server/middleware"
	"imapgate/internal/store"
)

// MockResponder records responses for testing
type MockResponder struct {
	responses []string
}

func (m *MockResponder) SendResponse(line string) {
	m.responses = append(m.responses, line)
}

func (m *MockResponder) GetLastResponse() string {
	if len(m.responses) == 0 {
		return ""
	}
	return m.responses[len(m.responses)-1]
}

func trackingHandler(called *bool) middleware.HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		*called = true
	}
}

func authenticatedSession() *models.Session {
	s := models.NewSession()
	s.Authenticated = true
	s.Username = "alice@example.com"
	return s
}

func TestRequireAuth(t *testing.T) {
	r := &MockResponder{}
	called := false
	h := middleware.RequireAuth(r, trackingHandler(&called))

	h(context.Background(), "A001", models.NewSession())
	assert.False(t, called)
	assert.Equal(t, "A001 NO Please authenticate first", r.GetLastResponse())

	h(context.Background(), "A002", authenticatedSession())
	assert.True(t, called)
	assert.Len(t, r.responses, 1)
}

func TestRequireMailboxSelected(t *testing.T) {
	r := &MockResponder{}
	called := false
	h := middleware.RequireAuthAndMailbox(r, trackingHandler(&called))

	sess := authenticatedSession()
	h(context.Background(), "A001", sess)
	assert.False(t, called)
	assert.Equal(t, "A001 NO No mailbox selected", r.GetLastResponse())

	sess.Select(&models.SelectedMailbox{Name: "INBOX", Mailbox: store.ResolveMailbox("INBOX")}, []uint32{1, 2})
	h(context.Background(), "A002", sess)
	assert.True(t, called)
}

func TestRequireAuthAndMailbox_ChecksAuthFirst(t *testing.T) {
	r := &MockResponder{}
	called := false
	h := middleware.RequireAuthAndMailbox(r, trackingHandler(&called))

	h(context.Background(), "A001", models.NewSession())
	assert.False(t, called)
	assert.Equal(t, "A001 NO Please authenticate first", r.GetLastResponse())
}

func TestRequireWritable(t *testing.T) {
	r := &MockResponder{}
	called := false
	h := middleware.RequireWritable(r, "STORE", trackingHandler(&called))

	sess := authenticatedSession()
	sess.Select(&models.SelectedMailbox{Name: "INBOX", ReadOnly: true}, nil)
	h(context.Background(), "A001", sess)
	assert.False(t, called)
	assert.Equal(t, "A001 NO [READ-ONLY] STORE not permitted in read-only mailbox", r.GetLastResponse())

	sess.Selected.ReadOnly = false
	h(context.Background(), "A002", sess)
	assert.True(t, called)
}

func TestRequireNotAuthenticated(t *testing.T) {
	r := &MockResponder{}
	called := false
	h := middleware.RequireNotAuthenticated(r, trackingHandler(&called))

	h(context.Background(), "A001", authenticatedSession())
	assert.False(t, called)
	assert.Equal(t, "A001 BAD Already authenticated", r.GetLastResponse())

	h(context.Background(), "A002", models.NewSession())
	assert.True(t, called)
}

func TestRateThrottler(t *testing.T) {
	th := middleware.NewRateThrottler(0.0001, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, th.Allow("s1"), "burst token %d", i)
	}
	assert.False(t, th.Allow("s1"))
	assert.True(t, th.Allow("s2"), "buckets are per session")
	assert.Equal(t, 2, th.Len())

	th.Forget("s1")
	assert.Equal(t, 1, th.Len())
	assert.True(t, th.Allow("s1"), "forgotten session starts with a full bucket")
}

func TestRateThrottler_Disabled(t *testing.T) {
	th := middleware.NewRateThrottler(0, 0)
	for i := 0; i < 1000; i++ {
		assert.True(t, th.Allow("s1"))
	}
}
