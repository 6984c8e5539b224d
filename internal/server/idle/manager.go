// Package idle keeps the registry of sessions in the IDLE state and pushes
// new-mail notifications, keep-alives and forced terminations to them.
package idle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
)

// Client is the side of a connection the manager talks to. Send must be
// safe to call concurrently with the connection's own writes.
type Client interface {
	SessionID() string
	Send(line string) error
	// Exists returns the current message count of the idling mailbox.
	Exists(ctx context.Context) (int, error)
	// EndIdle is called after the manager wrote the tagged completion, so
	// the connection must not write it again.
	EndIdle()
}

type entry struct {
	client   Client
	tag      string
	mailbox  string
	username string
	start    time.Time
}

// Options tunes the timers. Zero values take the defaults.
type Options struct {
	Heartbeat time.Duration // sweep and keep-alive interval, default 29m
	MaxAge    time.Duration // forced termination age, default 25m
}

// Manager is the process-wide IDLE registry. It is created once by the
// server and shared by all connections.
type Manager struct {
	logger log.Logger
	gauge  metrics.Gauge
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an empty registry. gauge may be nil.
func New(logger log.Logger, gauge metrics.Gauge, opts Options) *Manager {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 29 * time.Minute
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 25 * time.Minute
	}
	if gauge == nil {
		gauge = discard.NewGauge()
	}
	return &Manager{
		logger:  log.With(logger, "component", "idle"),
		gauge:   gauge,
		opts:    opts,
		now:     time.Now,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
}

// Register adds a session entering IDLE. A second registration of the same
// session replaces the first.
func (m *Manager) Register(c Client, tag, mailbox, username string) {
	now := m.now()
	m.mu.Lock()
	m.entries[c.SessionID()] = &entry{
		client:   c,
		tag:      tag,
		mailbox:  mailbox,
		username: username,
		start:    now,
	}
	n := len(m.entries)
	m.mu.Unlock()

	m.gauge.Set(float64(n))
	level.Debug(m.logger).Log("msg", "session idling", "session", c.SessionID(), "user", username, "mailbox", mailbox)
}

// Deregister removes a session. It reports whether the session was present.
func (m *Manager) Deregister(sessionID string) bool {
	m.mu.Lock()
	_, ok := m.entries[sessionID]
	delete(m.entries, sessionID)
	n := len(m.entries)
	m.mu.Unlock()

	m.gauge.Set(float64(n))
	return ok
}

// Len returns the number of idling sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) snapshot(match func(*entry) bool) []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entry
	for _, e := range m.entries {
		if match == nil || match(e) {
			out = append(out, e)
		}
	}
	return out
}

// removeIf drops e only if it is still the registered entry for its
// session; a session may have left and re-entered IDLE meanwhile.
func (m *Manager) removeIf(e *entry) {
	m.mu.Lock()
	id := e.client.SessionID()
	if cur, ok := m.entries[id]; ok && cur == e {
		delete(m.entries, id)
	}
	n := len(m.entries)
	m.mu.Unlock()
	m.gauge.Set(float64(n))
}

// NotifyNewMail sends EXISTS and RECENT to every session idling for one of
// the usernames. Sessions whose write fails are dropped silently. It
// returns the number of sessions notified.
func (m *Manager) NotifyNewMail(ctx context.Context, usernames []string) int {
	want := make(map[string]bool, len(usernames))
	for _, u := range usernames {
		want[strings.ToLower(u)] = true
	}
	targets := m.snapshot(func(e *entry) bool { return want[strings.ToLower(e.username)] })

	notified := 0
	for _, e := range targets {
		n, err := e.client.Exists(ctx)
		if err != nil {
			level.Warn(m.logger).Log("msg", "failed to count messages for notification", "session", e.client.SessionID(), "err", err)
			continue
		}
		if err := e.client.Send(fmt.Sprintf("* %d EXISTS", n)); err != nil {
			m.removeIf(e)
			continue
		}
		if err := e.client.Send("* 1 RECENT"); err != nil {
			m.removeIf(e)
			continue
		}
		notified++
	}
	return notified
}

// Sweep runs once per Heartbeat. Sessions idling for MaxAge or longer are
// terminated with a tagged OK, every other session gets a keep-alive.
func (m *Manager) Sweep() {
	now := m.now()
	for _, e := range m.snapshot(nil) {
		if now.Sub(e.start) >= m.opts.MaxAge {
			m.removeIf(e)
			if err := e.client.Send(e.tag + " OK IDLE terminated"); err != nil {
				level.Debug(m.logger).Log("msg", "failed to terminate idle session", "session", e.client.SessionID(), "err", err)
			}
			e.client.EndIdle()
			level.Debug(m.logger).Log("msg", "idle session expired", "session", e.client.SessionID())
			continue
		}
		if err := e.client.Send("* OK Still here"); err != nil {
			m.removeIf(e)
		}
	}
}

// Start runs the sweep timer until ctx ends or Shutdown is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Shutdown stops the timer, sends BYE to every idling session and clears
// the registry.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()
	m.gauge.Set(0)

	for _, e := range entries {
		_ = e.client.Send("* BYE Server shutting down")
	}
	level.Info(m.logger).Log("msg", "idle manager stopped", "sessions", len(entries))
}
