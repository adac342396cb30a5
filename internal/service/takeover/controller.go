// Package takeover switches a call between agent and operator control.
package takeover

import (
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/logger"
	"github.com/zhouzirui/callbridge/internal/metrics"
	"github.com/zhouzirui/callbridge/internal/model/message"
	model "github.com/zhouzirui/callbridge/internal/model/session"
	"github.com/zhouzirui/callbridge/internal/service/routing"
	sessionsvc "github.com/zhouzirui/callbridge/internal/service/session"
	"github.com/zhouzirui/callbridge/internal/service/stream"
)

// overrides installed while an operator holds the call.
var overrides = []struct {
	source message.Role
	kind   message.Kind
	dest   message.Role
}{
	{message.RoleTelephony, message.KindAudio, message.RoleHuman},
	{message.RoleAI, message.KindAudio, message.RoleNone},
	{message.RoleAI, message.KindInterruption, message.RoleNone},
	{message.RoleAI, message.KindClear, message.RoleNone},
}

// Options configures a Controller.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Controller flips caller audio between the agent and the operator.
type Controller struct {
	store    *sessionsvc.Store
	selector *routing.Selector
	streams  *stream.Manager
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a Controller.
func New(store *sessionsvc.Store, selector *routing.Selector, streams *stream.Manager, opts Options) *Controller {
	return &Controller{
		store:    store,
		selector: selector,
		streams:  streams,
		log:      logger.OrNop(opts.Logger).Named("takeover"),
		metrics:  opts.Metrics,
	}
}

// Activate hands the call to an operator. It reports false when the
// operator already holds it.
func (c *Controller) Activate(sessionID, operator string) (bool, error) {
	snap, changed, err := c.store.SetAgentMode(sessionID, true)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	for _, o := range overrides {
		c.selector.SetSessionRoute(sessionID, o.source, o.kind, o.dest)
	}

	// Cut off agent speech already queued for the caller.
	flush := message.New(sessionID, message.RoleHuman, message.KindClear)
	flush.Destination = message.RoleTelephony
	cleared := c.streams.Route(flush)

	if operator == "" {
		operator = "operator"
	}
	notice := message.New(sessionID, message.RoleHuman, message.KindTakeover)
	notice.Data = map[string]any{
		"operator":      operator,
		"takeoverCount": snap.TakeoverCount,
		"at":            at(snap.TakeoverAt),
	}
	c.streams.Broadcast(sessionID, notice)
	c.store.AppendTranscript(sessionID, operator+" took over the call", model.SpeakerSystem)
	c.metrics.RecordTakeover()

	c.log.Info("operator took over",
		zap.String("session", sessionID),
		zap.String("operator", operator),
		zap.Int("count", snap.TakeoverCount),
		zap.Bool("cleared", cleared))
	return true, nil
}

// Deactivate returns the call to the agent. It reports false when the
// agent already holds it.
func (c *Controller) Deactivate(sessionID string) (bool, error) {
	_, changed, err := c.store.SetAgentMode(sessionID, false)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	for _, o := range overrides {
		c.selector.ClearSessionRoute(sessionID, o.source, o.kind)
	}

	notice := message.New(sessionID, message.RoleHuman, message.KindRelease)
	notice.Data = map[string]any{"at": time.Now().UTC()}
	c.streams.Broadcast(sessionID, notice)
	c.store.AppendTranscript(sessionID, "control returned to the agent", model.SpeakerSystem)

	c.log.Info("operator released the call", zap.String("session", sessionID))
	return true, nil
}

// Active reports whether an operator holds the call.
func (c *Controller) Active(sessionID string) bool {
	return c.store.AgentMode(sessionID)
}

func at(t *time.Time) time.Time {
	if t == nil {
		return time.Now().UTC()
	}
	return *t
}
