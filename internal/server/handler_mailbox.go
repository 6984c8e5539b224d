package server

import (
	"context"
	"fmt"
	"strings"

	"imapgate/internal/models"
	"imapgate/internal/server/middleware"
	"imapgate/internal/server/parser"
	"imapgate/internal/server/response"
	"imapgate/internal/server/utils"
	"imapgate/internal/store"
)

// specialUser is implemented by stores that record special-use attributes.
type specialUser interface {
	SpecialUse(ctx context.Context, name string) (string, error)
}

// ===== LIST / LSUB =====

func (c *connection) handleList(reference, pattern string, lsub bool) middleware.HandlerFunc {
	verb := "LIST"
	if lsub {
		verb = "LSUB"
	}
	return func(ctx context.Context, tag string, sess *models.Session) {
		// An empty pattern asks for the delimiter and root.
		if pattern == "" {
			c.SendResponse(fmt.Sprintf(`* %s (\Noselect) "%s" ""`, verb, utils.Delimiter))
			c.SendResponse(fmt.Sprintf("%s OK %s completed", tag, verb))
			return
		}

		all, err := sess.Account.ListMailboxes(ctx)
		if err != nil {
			c.storeFailed(tag, verb, err)
			return
		}
		names := all
		if lsub {
			if names, err = sess.Account.Subscriptions(ctx); err != nil {
				c.storeFailed(tag, verb, err)
				return
			}
		}

		su, _ := sess.Account.(specialUser)
		for _, name := range utils.FilterMailboxes(names, reference, pattern) {
			special := ""
			if su != nil {
				special, _ = su.SpecialUse(ctx, name)
			}
			attrs := utils.MailboxAttributes(name, special, utils.HasChildren(name, all))
			c.SendResponse(fmt.Sprintf(`* %s %s "%s" %s`, verb, attrs, utils.Delimiter, response.Quote(name)))
		}
		c.SendResponse(fmt.Sprintf("%s OK %s completed", tag, verb))
	}
}

// ===== CREATE / DELETE / RENAME =====

func (c *connection) handleCreate(name string) middleware.HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		name = strings.TrimSuffix(name, utils.Delimiter)
		if name == "" {
			c.SendResponse(fmt.Sprintf("%s BAD Invalid mailbox name", tag))
			return
		}
		if err := sess.Account.CreateMailbox(ctx, name); err != nil {
			c.mailboxFailed(tag, "CREATE", err)
			return
		}
		c.SendResponse(fmt.Sprintf("%s OK CREATE completed", tag))
	}
}

func (c *connection) handleDelete(name string) middleware.HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		if err := sess.Account.DeleteMailbox(ctx, name); err != nil {
			c.mailboxFailed(tag, "DELETE", err)
			return
		}
		if sess.Selected != nil && selectedName(sess) == store.ResolveMailbox(name).Name {
			sess.Unselect()
		}
		c.SendResponse(fmt.Sprintf("%s OK DELETE completed", tag))
	}
}

func (c *connection) handleRename(from, to string) middleware.HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		if err := sess.Account.RenameMailbox(ctx, from, to); err != nil {
			c.mailboxFailed(tag, "RENAME", err)
			return
		}
		if sess.Selected != nil && selectedName(sess) == store.ResolveMailbox(from).Name {
			sess.Unselect()
		}
		c.SendResponse(fmt.Sprintf("%s OK RENAME completed", tag))
	}
}

// ===== SUBSCRIBE / UNSUBSCRIBE =====

func (c *connection) handleSubscribe(name string, subscribe bool) middleware.HandlerFunc {
	verb := "SUBSCRIBE"
	if !subscribe {
		verb = "UNSUBSCRIBE"
	}
	return func(ctx context.Context, tag string, sess *models.Session) {
		var err error
		if subscribe {
			err = sess.Account.Subscribe(ctx, name)
		} else {
			err = sess.Account.Unsubscribe(ctx, name)
		}
		if err != nil {
			c.mailboxFailed(tag, verb, err)
			return
		}
		c.SendResponse(fmt.Sprintf("%s OK %s completed", tag, verb))
	}
}

// ===== STATUS =====

func (c *connection) handleStatus(req parser.Status) middleware.HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		mb := store.ResolveMailbox(req.Mailbox)
		status, err := sess.Account.Status(ctx, mb.Name)
		if err != nil {
			c.mailboxFailed(tag, "STATUS", err)
			return
		}

		items := make([]string, 0, len(req.Items))
		for _, item := range req.Items {
			switch item {
			case "MESSAGES":
				items = append(items, fmt.Sprintf("MESSAGES %d", status.Total))
			case "RECENT":
				items = append(items, "RECENT 0")
			case "UIDNEXT":
				items = append(items, fmt.Sprintf("UIDNEXT %d", status.UIDNext))
			case "UIDVALIDITY":
				items = append(items, fmt.Sprintf("UIDVALIDITY %d", status.UIDValidity))
			case "UNSEEN":
				items = append(items, fmt.Sprintf("UNSEEN %d", status.Unread))
			}
		}

		c.SendResponse(fmt.Sprintf("* STATUS %s (%s)", response.Quote(mb.Name), strings.Join(items, " ")))
		c.SendResponse(fmt.Sprintf("%s OK STATUS completed", tag))
	}
}
