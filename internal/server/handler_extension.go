package server

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-kit/kit/log/level"

	"imapgate/internal/models"
	"imapgate/internal/server/middleware"
	"imapgate/internal/server/parser"
	"imapgate/internal/server/response"
)

// Version is reported by the ID command.
var Version = "dev"

// ===== IDLE =====

func (c *connection) handleIdle(ctx context.Context, tag string, sess *models.Session) {
	c.idleView.Store(&idleView{account: sess.Account, mailbox: selectedName(sess)})
	c.idleEnded.Store(false)
	c.notified.Store(false)
	sess.Idling = true
	sess.IdleTag = tag

	c.SendResponse("+ idling")
	c.server.idle.Register(c, tag, selectedName(sess), sess.Username)
}

// handleIdleLine consumes input while idling. Only DONE is accepted; once
// the manager has terminated IDLE the line is treated as a new command.
func (c *connection) handleIdleLine(ctx context.Context, line string) bool {
	done := strings.EqualFold(strings.TrimSpace(line), "DONE")

	if c.idleEnded.Load() {
		c.finishIdle(ctx)
		if done {
			return true
		}
		return c.handleLine(ctx, line)
	}

	if !done {
		c.SendResponse("* BAD Expected DONE")
		return true
	}
	c.finishIdle(ctx)
	return true
}

// finishIdle leaves IDLE. The tagged OK is written only when this side
// removed the registration; otherwise the manager already wrote it.
func (c *connection) finishIdle(ctx context.Context) {
	sess := c.sess
	tag := sess.IdleTag
	removed := c.server.idle.Deregister(sess.ID)

	sess.Idling = false
	sess.IdleTag = ""
	c.idleView.Store(nil)
	c.idleEnded.Store(false)

	if c.notified.Swap(false) && sess.HasSelection() {
		if err := c.refreshSelection(ctx, sess); err != nil {
			level.Warn(c.logger).Log("msg", "failed to refresh mailbox after idle", "err", err)
		}
	}
	if removed {
		c.SendResponse(fmt.Sprintf("%s OK IDLE terminated", tag))
	}
}

// ===== ID =====

func (c *connection) handleID(req parser.ID) middleware.HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		if len(req.Params) > 0 {
			keys := make([]string, 0, len(req.Params))
			for k := range req.Params {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			kv := make([]interface{}, 0, 2+2*len(keys))
			kv = append(kv, "msg", "client id")
			for _, k := range keys {
				kv = append(kv, "id_"+strings.ToLower(k), req.Params[k])
			}
			level.Debug(c.logger).Log(kv...)
		}

		c.SendResponse(fmt.Sprintf("* ID (%s %s %s %s)",
			response.Quote("name"), response.Quote("imapgate"),
			response.Quote("version"), response.Quote(Version)))
		c.SendResponse(fmt.Sprintf("%s OK ID completed", tag))
	}
}

// ===== ENABLE =====

// handleEnable acknowledges ENABLE without turning anything on: none of
// the advertised capabilities need enabling.
func (c *connection) handleEnable(req parser.Enable) middleware.HandlerFunc {
	return func(ctx context.Context, tag string, sess *models.Session) {
		if len(req.Capabilities) > 0 {
			level.Debug(c.logger).Log("msg", "ENABLE ignored", "capabilities", strings.Join(req.Capabilities, " "))
		}
		c.SendResponse("* ENABLED")
		c.SendResponse(fmt.Sprintf("%s OK ENABLE completed", tag))
	}
}
