package server

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-kit/kit/log/level"

	"imapgate/internal/models"
	"imapgate/internal/server/middleware"
	"imapgate/internal/server/utils"
	"imapgate/internal/store"
)

// ===== SELECT / EXAMINE =====

// handleSelect opens a mailbox. On failure the previous selection is kept.
func (c *connection) handleSelect(name string, readOnly bool) middleware.HandlerFunc {
	verb := "SELECT"
	if readOnly {
		verb = "EXAMINE"
	}
	return func(ctx context.Context, tag string, sess *models.Session) {
		mb := store.ResolveMailbox(name)

		status, err := sess.Account.Status(ctx, mb.Name)
		if err != nil {
			c.mailboxFailed(tag, verb, err)
			return
		}
		uids, err := sess.Account.AllUIDs(ctx, mb.Name)
		if err != nil {
			c.storeFailed(tag, verb, err)
			return
		}

		var unseen []uint32
		if status.Unread > 0 {
			unseen, err = sess.Account.Search(ctx, mb.Name, store.FlagIs{Flag: store.FlagSeen, Set: false})
			if err != nil {
				c.storeFailed(tag, verb, err)
				return
			}
		}

		sess.Select(&models.SelectedMailbox{
			Name:        mb.Name,
			Mailbox:     mb,
			ReadOnly:    readOnly,
			UIDValidity: status.UIDValidity,
			UIDNext:     status.UIDNext,
		}, uids)

		c.SendResponse(fmt.Sprintf("* %d EXISTS", sess.Map.Len()))
		c.SendResponse("* 0 RECENT")
		if first, ok := firstSeq(sess, unseen); ok {
			c.SendResponse(fmt.Sprintf("* OK [UNSEEN %d] Message %d is first unseen", first, first))
		}
		c.SendResponse(fmt.Sprintf("* OK [UIDVALIDITY %d] UIDs valid", status.UIDValidity))
		c.SendResponse(fmt.Sprintf("* OK [UIDNEXT %d] Predicted next UID", status.UIDNext))
		c.SendResponse("* FLAGS " + utils.MailboxFlags)
		if readOnly {
			c.SendResponse("* OK [PERMANENTFLAGS ()] No permanent flags permitted")
			c.SendResponse(fmt.Sprintf("%s OK [READ-ONLY] %s completed", tag, verb))
			return
		}
		c.SendResponse(fmt.Sprintf("* OK [PERMANENTFLAGS %s] Limited", utils.PermanentFlags))
		c.SendResponse(fmt.Sprintf("%s OK [READ-WRITE] %s completed", tag, verb))
	}
}

// firstSeq returns the lowest sequence number among uids.
func firstSeq(sess *models.Session, uids []uint32) (uint32, bool) {
	var first uint32
	for _, u := range uids {
		if seq, ok := sess.Map.Seq(u); ok && (first == 0 || seq < first) {
			first = seq
		}
	}
	return first, first != 0
}

// ===== CLOSE =====

// handleClose expunges silently unless the mailbox was examined.
func (c *connection) handleClose(ctx context.Context, tag string, sess *models.Session) {
	if !sess.Selected.ReadOnly {
		if _, err := sess.Account.Expunge(ctx, selectedName(sess)); err != nil {
			level.Error(c.logger).Log("msg", "failed to expunge on close", "mailbox", selectedName(sess), "err", err)
		}
	}
	sess.Unselect()
	c.SendResponse(fmt.Sprintf("%s OK CLOSE completed", tag))
}

// ===== CHECK / NOOP =====

func (c *connection) handleCheck(ctx context.Context, tag string, sess *models.Session) {
	c.SendResponse(fmt.Sprintf("%s OK CHECK completed", tag))
}

func (c *connection) handleNoop(ctx context.Context, tag string, sess *models.Session) {
	if sess.HasSelection() {
		if err := c.refreshSelection(ctx, sess); err != nil {
			level.Warn(c.logger).Log("msg", "failed to refresh mailbox", "mailbox", selectedName(sess), "err", err)
		}
	}
	c.SendResponse(fmt.Sprintf("%s OK NOOP completed", tag))
}

// refreshSelection rebuilds the map from the store and reports what
// changed since the last rebuild: vanished messages as descending EXPUNGE
// lines first, then EXISTS when the count differs.
func (c *connection) refreshSelection(ctx context.Context, sess *models.Session) error {
	uids, err := sess.Account.AllUIDs(ctx, selectedName(sess))
	if err != nil {
		return err
	}

	current := make(map[uint32]struct{}, len(uids))
	for _, u := range uids {
		current[u] = struct{}{}
	}
	var gone []uint32
	for _, u := range sess.Map.UIDs() {
		if _, ok := current[u]; !ok {
			seq, _ := sess.Map.Seq(u)
			gone = append(gone, seq)
		}
	}
	c.sendExpunges(gone)

	before := sess.Map.Len() - len(gone)
	sess.Map.Rebuild(uids)
	if sess.Map.Len() != before {
		c.SendResponse(fmt.Sprintf("* %d EXISTS", sess.Map.Len()))
	}
	return nil
}

// sendExpunges emits one EXPUNGE per pre-expunge sequence number, highest
// first, so every line is valid against the state the client has seen.
func (c *connection) sendExpunges(seqs []uint32) {
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	for _, seq := range seqs {
		c.SendResponse(fmt.Sprintf("* %d EXPUNGE", seq))
	}
}
