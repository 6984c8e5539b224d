package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/kit/log/level"

	"imapgate/internal/models"
	"imapgate/internal/server/middleware"
	"imapgate/internal/server/parser"
	"imapgate/internal/store"
)

// dispatch routes a parsed command through its state checks to its
// handler. It returns false when the connection must close.
func (c *connection) dispatch(ctx context.Context, cmd *parser.Command) bool {
	verb := cmd.Request.Verb()
	if u, ok := cmd.Request.(parser.UID); ok {
		verb = "UID " + u.Inner.Verb()
	}
	c.server.metrics.Commands.With("verb", verb).Add(1)
	level.Debug(c.logger).Log("msg", "command", "tag", cmd.Tag, "verb", verb)

	tag, sess := cmd.Tag, c.sess
	run := func(h middleware.HandlerFunc) { h(ctx, tag, sess) }
	auth := func(h middleware.HandlerFunc) { run(middleware.RequireAuth(c, h)) }
	selected := func(h middleware.HandlerFunc) { run(middleware.RequireAuthAndMailbox(c, h)) }
	writable := func(verb string, h middleware.HandlerFunc) {
		run(middleware.RequireAuthAndMailbox(c, middleware.RequireWritable(c, verb, h)))
	}

	switch req := cmd.Request.(type) {
	case parser.Capability:
		run(c.handleCapability)
	case parser.Noop:
		run(c.handleNoop)
	case parser.Logout:
		run(c.handleLogout)
		return false
	case parser.StartTLS:
		return c.handleStartTLS(ctx, tag)
	case parser.Login:
		run(middleware.RequireNotAuthenticated(c, c.handleLogin(req)))
	case parser.Authenticate:
		run(middleware.RequireNotAuthenticated(c, c.handleAuthenticate(req)))
	case parser.ID:
		run(c.handleID(req))
	case parser.Enable:
		auth(c.handleEnable(req))

	case parser.List:
		auth(c.handleList(req.Reference, req.Pattern, false))
	case parser.Lsub:
		auth(c.handleList(req.Reference, req.Pattern, true))
	case parser.Create:
		auth(c.handleCreate(req.Mailbox))
	case parser.Delete:
		auth(c.handleDelete(req.Mailbox))
	case parser.Rename:
		auth(c.handleRename(req.From, req.To))
	case parser.Subscribe:
		auth(c.handleSubscribe(req.Mailbox, true))
	case parser.Unsubscribe:
		auth(c.handleSubscribe(req.Mailbox, false))
	case parser.Status:
		auth(c.handleStatus(req))
	case parser.Append:
		auth(c.handleAppend(req))

	case parser.Select:
		auth(c.handleSelect(req.Mailbox, false))
	case parser.Examine:
		auth(c.handleSelect(req.Mailbox, true))
	case parser.Check:
		auth(c.handleCheck)
	case parser.Close:
		selected(c.handleClose)
	case parser.Idle:
		selected(c.handleIdle)

	case parser.Fetch:
		selected(c.handleFetch(req, false))
	case parser.Search:
		selected(c.handleSearch(req, false))
	case parser.Store:
		writable("STORE", c.handleStore(req, false))
	case parser.Expunge:
		writable("EXPUNGE", c.handleExpunge)
	case parser.Copy:
		run(c.handleCopy(false))
	case parser.Move:
		writable("MOVE", c.handleMove(req, false))
	case parser.UID:
		return c.dispatchUID(ctx, tag, req)

	default:
		c.SendResponse(fmt.Sprintf("%s BAD Unsupported command %s", tag, verb))
	}
	return true
}

func (c *connection) dispatchUID(ctx context.Context, tag string, req parser.UID) bool {
	run := func(h middleware.HandlerFunc) {
		middleware.RequireAuthAndMailbox(c, h)(ctx, tag, c.sess)
	}

	switch inner := req.Inner.(type) {
	case parser.Fetch:
		run(c.handleFetch(inner, true))
	case parser.Search:
		run(c.handleSearch(inner, true))
	case parser.Store:
		run(middleware.RequireWritable(c, "UID STORE", c.handleStore(inner, true)))
	case parser.Move:
		run(middleware.RequireWritable(c, "UID MOVE", c.handleMove(inner, true)))
	case parser.Copy:
		c.handleCopy(true)(ctx, tag, c.sess)
	default:
		c.SendResponse(fmt.Sprintf("%s BAD Unsupported UID command %s", tag, req.Inner.Verb()))
	}
	return true
}

func commandName(verb string, byUID bool) string {
	if byUID {
		return "UID " + verb
	}
	return verb
}

// storeFailed logs a backend error and reports a generic failure.
func (c *connection) storeFailed(tag, verb string, err error) {
	level.Error(c.logger).Log("msg", "store operation failed", "verb", verb, "err", err)
	c.SendResponse(fmt.Sprintf("%s NO %s failed", tag, verb))
}

// mailboxFailed maps mailbox errors to response codes, falling back to
// storeFailed.
func (c *connection) mailboxFailed(tag, verb string, err error) {
	switch {
	case errors.Is(err, store.ErrMailboxNotFound):
		c.SendResponse(fmt.Sprintf("%s NO [NONEXISTENT] Mailbox does not exist", tag))
	case errors.Is(err, store.ErrMailboxExists):
		c.SendResponse(fmt.Sprintf("%s NO [ALREADYEXISTS] Mailbox already exists", tag))
	case errors.Is(err, store.ErrMailboxReserved):
		c.SendResponse(fmt.Sprintf("%s NO [CANNOT] Mailbox name is reserved", tag))
	case errors.Is(err, store.ErrMailboxHasChild):
		c.SendResponse(fmt.Sprintf("%s NO [INUSE] Mailbox has inferior hierarchical names", tag))
	case errors.Is(err, store.ErrReadOnlyView):
		c.SendResponse(fmt.Sprintf("%s NO [CANNOT] Mailbox is a read-only view", tag))
	default:
		c.storeFailed(tag, verb, err)
	}
}

func selectedName(sess *models.Session) string {
	return sess.Selected.Mailbox.Name
}
