package middleware

import (
	"context"
	"fmt"

	"imapgate/internal/models"
)

// Responder writes one response line to the client.
type Responder interface {
	SendResponse(line string)
}

// HandlerFunc is the standard handler function signature
type HandlerFunc func(ctx context.Context, tag string, sess *models.Session)

// RequireAuth ensures the client is authenticated before proceeding
func RequireAuth(r Responder, handler HandlerFunc) HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		if !sess.Authenticated {
			r.SendResponse(fmt.Sprintf("%s NO Please authenticate first", tag))
			return
		}
		handler(ctx, tag, sess)
	}
}

// RequireMailboxSelected ensures a mailbox is selected before proceeding
func RequireMailboxSelected(r Responder, handler HandlerFunc) HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		if sess.Selected == nil {
			r.SendResponse(fmt.Sprintf("%s NO No mailbox selected", tag))
			return
		}
		handler(ctx, tag, sess)
	}
}

// RequireAuthAndMailbox combines authentication and mailbox selection checks
func RequireAuthAndMailbox(r Responder, handler HandlerFunc) HandlerFunc {
	return RequireAuth(r, RequireMailboxSelected(r, handler))
}

// RequireWritable rejects mutations of a mailbox opened with EXAMINE.
// verb names the command in the response.
func RequireWritable(r Responder, verb string, handler HandlerFunc) HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		if sess.Selected != nil && sess.Selected.ReadOnly {
			r.SendResponse(fmt.Sprintf("%s NO [READ-ONLY] %s not permitted in read-only mailbox", tag, verb))
			return
		}
		handler(ctx, tag, sess)
	}
}

// RequireNotAuthenticated rejects commands valid only before login.
func RequireNotAuthenticated(r Responder, handler HandlerFunc) HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		if sess.Authenticated {
			r.SendResponse(fmt.Sprintf("%s BAD Already authenticated", tag))
			return
		}
		handler(ctx, tag, sess)
	}
}
