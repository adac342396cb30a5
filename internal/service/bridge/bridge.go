// Package bridge assembles the session store, routing, connection registry,
// protocol adapters and takeover controller into one call bridge.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/audio"
	"github.com/zhouzirui/callbridge/internal/config"
	"github.com/zhouzirui/callbridge/internal/logger"
	"github.com/zhouzirui/callbridge/internal/metrics"
	"github.com/zhouzirui/callbridge/internal/model/message"
	sessionmodel "github.com/zhouzirui/callbridge/internal/model/session"
	"github.com/zhouzirui/callbridge/internal/service/adapter/ai"
	"github.com/zhouzirui/callbridge/internal/service/adapter/console"
	"github.com/zhouzirui/callbridge/internal/service/adapter/telephony"
	"github.com/zhouzirui/callbridge/internal/service/carrier"
	"github.com/zhouzirui/callbridge/internal/service/routing"
	sessionsvc "github.com/zhouzirui/callbridge/internal/service/session"
	"github.com/zhouzirui/callbridge/internal/service/stream"
	"github.com/zhouzirui/callbridge/internal/service/summary"
	"github.com/zhouzirui/callbridge/internal/service/takeover"
)

var (
	// ErrCarrierDisabled is returned when outbound calls are requested without
	// carrier credentials.
	ErrCarrierDisabled = errors.New("outbound calling is not configured")
	// ErrCallExists is returned when a session already carries a call. A
	// session holds one call leg for its whole life.
	ErrCallExists = errors.New("session already has a call")
)

// Options configures a Bridge.
type Options struct {
	Config *config.Config
	// Placer places and hangs up carrier calls. Nil disables outbound calling.
	Placer carrier.CallPlacer
	// ChatModel writes post-call summaries. Nil disables summaries.
	ChatModel model.BaseChatModel
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Bridge owns every core component of the call bridge.
type Bridge struct {
	Store      *sessionsvc.Store
	Selector   *routing.Selector
	Streams    *stream.Manager
	Transcoder *audio.Transcoder
	Dedup      *audio.Deduplicator
	Telephony  *telephony.Adapter
	Agent      *ai.Adapter
	Connector  *ai.Connector
	Operator   *console.Adapter
	Observer   *console.Adapter
	Takeover   *takeover.Controller
	Summary    *summary.Service
	Placer     carrier.CallPlacer
	Metrics    *metrics.Metrics

	cfg  *config.Config
	base context.Context
	log  *zap.Logger
	wg   sync.WaitGroup
}

// New wires the bridge. ctx bounds agent connections and background work.
func New(ctx context.Context, opts Options) (*Bridge, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("bridge config is required")
	}
	log := logger.OrNop(opts.Logger)

	b := &Bridge{
		Placer:  opts.Placer,
		Metrics: opts.Metrics,
		cfg:     cfg,
		base:    ctx,
		log:     log.Named("bridge"),
	}

	storeOpts := sessionsvc.Options{
		Timeout:       cfg.Session.Timeout,
		LazyTimeout:   cfg.Session.LazyTimeout,
		TranscriptCap: cfg.Session.TranscriptCap,
		LatencyWindow: cfg.Audio.LatencyWindow,
		Logger:        log,
		Metrics:       opts.Metrics,
		Now:           opts.Now,
	}
	if opts.Placer != nil {
		storeOpts.CallEnder = opts.Placer
	}
	b.Store = sessionsvc.NewStore(storeOpts)

	b.Selector = routing.NewSelector(routing.NewDefaultRegistry())
	b.Transcoder = audio.NewTranscoder()
	b.Dedup = audio.NewDeduplicator(cfg.Audio.DedupWindow)
	b.Streams = stream.NewManager(b.Selector, b.Store, stream.Options{
		AudioQueue:   cfg.Stream.AudioQueue,
		WriteTimeout: cfg.Stream.WriteTimeout,
		PingInterval: cfg.Stream.PingInterval,
		Dedup:        b.Dedup,
		Logger:       log,
		Metrics:      opts.Metrics,
	})

	b.Telephony = telephony.New(telephony.Options{
		Store:        b.Store,
		Streams:      b.Streams,
		Transcoder:   b.Transcoder,
		OnStart:      b.startAgent,
		InboundQueue: cfg.Stream.InboundQueue,
		Logger:       log,
	})
	b.Agent = ai.New(ai.Options{
		Store:        b.Store,
		Streams:      b.Streams,
		Transcoder:   b.Transcoder,
		InputFormat:  message.Encoding(cfg.Agent.InputFormat),
		OutputFormat: message.Encoding(cfg.Agent.OutputFormat),
		Logger:       log,
	})
	b.Connector = ai.NewConnector(b.Agent, ai.ConnectorOptions{
		BaseURL: cfg.Agent.BaseURL,
		AgentID: cfg.Agent.AgentID,
		APIKey:  cfg.Agent.APIKey,
		Dialer: stream.NewDialer(stream.DialOptions{
			MaxRetries: cfg.Agent.DialRetries,
			Logger:     log,
		}),
		InboundQueue: cfg.Stream.InboundQueue,
		Logger:       log,
	})
	b.Takeover = takeover.New(b.Store, b.Selector, b.Streams, takeover.Options{
		Logger:  log,
		Metrics: opts.Metrics,
	})

	consoleOpts := console.Options{
		Store:        b.Store,
		Streams:      b.Streams,
		Takeover:     b.Takeover,
		Agent:        b.Connector,
		InboundQueue: cfg.Stream.InboundQueue,
		Logger:       log,
	}
	b.Operator = console.New(message.RoleHuman, consoleOpts)
	b.Observer = console.New(message.RoleObserver, consoleOpts)

	b.Streams.SetEncoder(message.RoleTelephony, b.Telephony)
	b.Streams.SetEncoder(message.RoleAI, b.Agent)
	b.Streams.SetEncoder(message.RoleHuman, b.Operator)
	b.Streams.SetEncoder(message.RoleObserver, b.Observer)

	if opts.ChatModel != nil {
		svc, err := summary.New(ctx, opts.ChatModel, b.Store, b.Streams, summary.Options{
			Logger:  log,
			Metrics: opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		b.Summary = svc
	}

	b.Store.OnRemove(b.release)
	b.Store.OnStatusChange(b.onStatusChange)
	return b, nil
}

// release tears down everything a removed session owns outside the store.
func (b *Bridge) release(sessionID, reason string) {
	closed := b.Streams.DrainSession(sessionID)
	b.Selector.ClearAllSessionRoutes(sessionID)
	b.Transcoder.Release(sessionID)
	b.Agent.Release(sessionID)
	b.log.Debug("session released",
		zap.String("session", sessionID), zap.String("reason", reason), zap.Int("connections", closed))
}

func (b *Bridge) onStatusChange(change sessionsvc.StatusChange) {
	notice := message.New(change.SessionID, message.RoleNone, message.KindStatus)
	notice.Data = map[string]any{
		"status": change.To,
		"from":   change.From,
		"reason": change.Reason,
		"call":   change.Call,
	}
	b.Streams.Broadcast(change.SessionID, notice)

	if !change.Terminal() {
		return
	}
	b.Connector.Disconnect(change.SessionID)

	if !b.cfg.Session.RemoveOnCallEnd {
		if b.Summary != nil {
			b.Summary.OnStatusChange(change)
		}
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if b.Summary != nil {
			b.Summary.Attach(change.SessionID)
		}
		b.Store.Remove(change.SessionID, sessionsvc.ReasonCallEnd)
	}()
}

// startAgent opens the agent leg once the carrier stream is live.
func (b *Bridge) startAgent(_ context.Context, sessionID string, params map[string]string) {
	if !b.Connector.Enabled() {
		b.log.Warn("agent not configured; call has no agent", zap.String("session", sessionID))
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.Connector.Connect(b.base, sessionID, params); err != nil {
			b.log.Error("agent connect failed", zap.String("session", sessionID), zap.Error(err))
			b.Store.FailCall(sessionID, "agent unavailable")
		}
	}()
}

// CallRequest describes an outbound call for a session.
type CallRequest struct {
	To          string
	From        string
	VoiceID     string
	DisplayName string
	Params      map[string]string
}

// PlaceCall dials req.To for an idle session. The call moves to initiating
// before the carrier is asked and to failed if it refuses.
func (b *Bridge) PlaceCall(ctx context.Context, sessionID string, req CallRequest) (sessionmodel.Session, error) {
	if b.Placer == nil {
		return sessionmodel.Session{}, ErrCarrierDisabled
	}
	if req.To == "" {
		return sessionmodel.Session{}, carrier.ErrMissingNumber
	}
	status, ok := b.Store.CallStatus(sessionID)
	if !ok {
		return sessionmodel.Session{}, sessionsvc.ErrSessionNotFound
	}
	if status != sessionmodel.StatusIdle {
		return sessionmodel.Session{}, ErrCallExists
	}

	if _, err := b.Store.UpdateCall(sessionID, sessionmodel.CallUpdate{
		To:          req.To,
		From:        req.From,
		VoiceID:     req.VoiceID,
		DisplayName: req.DisplayName,
	}); err != nil {
		return sessionmodel.Session{}, err
	}
	if _, _, err := b.Store.SetStatus(sessionID, sessionmodel.StatusInitiating, "outbound call requested"); err != nil {
		return sessionmodel.Session{}, err
	}

	callSID, err := b.Placer.PlaceCall(ctx, carrier.PlaceParams{
		SessionID: sessionID,
		To:        req.To,
		From:      req.From,
		Params:    req.Params,
	})
	if err != nil {
		b.Store.SetStatus(sessionID, sessionmodel.StatusFailed, err.Error())
		return sessionmodel.Session{}, err
	}
	return b.Store.UpdateCall(sessionID, sessionmodel.CallUpdate{CallSID: callSID})
}

// CarrierStatus applies a carrier progress webhook. The session is resolved
// from sessionID when given, otherwise from the call sid.
func (b *Bridge) CarrierStatus(sessionID, callSID, status string) (sessionmodel.Status, bool, error) {
	if sessionID == "" {
		id, ok := b.Store.LookupByCallSID(callSID)
		if !ok {
			return "", false, sessionsvc.ErrSessionNotFound
		}
		sessionID = id
	}
	if callSID != "" {
		if _, err := b.Store.UpdateCall(sessionID, sessionmodel.CallUpdate{CallSID: callSID}); err != nil {
			return "", false, err
		}
	}
	return b.Store.ApplyCarrierStatus(sessionID, status)
}

// ChangeVoice records the voice and pushes it to a live agent.
func (b *Bridge) ChangeVoice(sessionID, voiceID string) (bool, error) {
	if _, err := b.Store.UpdateCall(sessionID, sessionmodel.CallUpdate{VoiceID: voiceID}); err != nil {
		return false, err
	}
	return b.Connector.ChangeVoice(sessionID, voiceID), nil
}

// EndSession ends the call and removes the session.
func (b *Bridge) EndSession(sessionID string) bool {
	return b.Store.Remove(sessionID, sessionsvc.ReasonExplicit)
}

// Stats aggregates registry counters.
type Stats struct {
	Sessions       int          `json:"sessions"`
	Streams        stream.Stats `json:"streams"`
	RouteOverrides int          `json:"routeOverrides"`
	Resamplers     int          `json:"resamplers"`
	DedupEntries   int          `json:"dedupEntries"`
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Sessions:       b.Store.Len(),
		Streams:        b.Streams.Stats(),
		RouteOverrides: b.Selector.Sessions(),
		Resamplers:     b.Transcoder.Streams(),
		DedupEntries:   b.Dedup.Len(),
	}
}

// Run sweeps idle sessions until ctx ends.
func (b *Bridge) Run(ctx context.Context) {
	b.Store.RunSweeper(ctx, b.cfg.Session.SweepInterval)
}

// Shutdown ends every session and waits for background work.
func (b *Bridge) Shutdown() {
	b.Store.Shutdown()
	b.Streams.CloseAll()
	b.wg.Wait()
	b.Connector.Wait()
	if b.Summary != nil {
		b.Summary.Wait()
	}
}
