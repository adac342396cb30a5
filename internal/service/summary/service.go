// Package summary writes a short post-call summary with the configured chat
// model and attaches it to the session transcript.
package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/logger"
	"github.com/zhouzirui/callbridge/internal/metrics"
	"github.com/zhouzirui/callbridge/internal/model/message"
	sessionmodel "github.com/zhouzirui/callbridge/internal/model/session"
	sessionsvc "github.com/zhouzirui/callbridge/internal/service/session"
)

// ErrEmptyTranscript is returned when there is nothing to summarize.
var ErrEmptyTranscript = errors.New("transcript is empty")

const systemPrompt = `You summarize phone calls handled by a voice agent.
Write at most three sentences covering the caller's request, what was resolved and any follow-up owed.
Call details: {details}`

const summaryQuery = "Summarize the call above."

// historyLimit caps how many transcript entries are sent to the model.
const historyLimit = 60

// Broadcaster delivers notices to a session's monitoring connections.
type Broadcaster interface {
	Broadcast(sessionID string, msg *message.Message) int
}

// Options configures a Service.
type Options struct {
	Timeout time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Service runs the summary chain.
type Service struct {
	chain   compose.Runnable[map[string]any, *schema.Message]
	store   *sessionsvc.Store
	streams Broadcaster
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// New compiles the summary chain around chatModel.
func New(ctx context.Context, chatModel model.BaseChatModel, store *sessionsvc.Store, streams Broadcaster, opts Options) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile summary chain: %w", err)
	}

	return &Service{
		chain:   runnable,
		store:   store,
		streams: streams,
		timeout: opts.Timeout,
		log:     logger.OrNop(opts.Logger).Named("summary"),
		metrics: opts.Metrics,
	}, nil
}

// Summarize produces a summary of the session's transcript.
func (s *Service) Summarize(ctx context.Context, sessionID string) (string, error) {
	snap, err := s.store.Get(sessionID)
	if err != nil {
		return "", err
	}
	history := buildHistory(snap.Transcript)
	if len(history) == 0 {
		return "", ErrEmptyTranscript
	}

	resp, err := s.chain.Invoke(ctx, map[string]any{
		"details": describeCall(snap.Call),
		"history": history,
		"query":   summaryQuery,
	})
	if err != nil {
		return "", fmt.Errorf("failed to run summary chain: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// OnStatusChange summarizes calls that reached a terminal status. It is
// meant to be registered as a store status listener and returns at once.
func (s *Service) OnStatusChange(change sessionsvc.StatusChange) {
	if !change.Terminal() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Attach(change.SessionID)
	}()
}

// Attach summarizes a session and appends the result to its transcript.
func (s *Service) Attach(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	text, err := s.Summarize(ctx, sessionID)
	switch {
	case errors.Is(err, ErrEmptyTranscript), errors.Is(err, sessionsvc.ErrSessionNotFound):
		s.metrics.RecordSummary("skipped")
		return
	case err != nil:
		s.metrics.RecordSummary("error")
		s.log.Warn("summary failed", zap.String("session", sessionID), zap.Error(err))
		return
	case text == "":
		s.metrics.RecordSummary("skipped")
		return
	}

	s.store.AppendTranscript(sessionID, "Summary: "+text, sessionmodel.SpeakerSystem)
	if s.streams != nil {
		note := message.New(sessionID, message.RoleNone, message.KindNote)
		note.Text = text
		note.Data = map[string]any{"summary": true}
		s.streams.Broadcast(sessionID, note)
	}
	s.metrics.RecordSummary("ok")
	s.log.Info("call summarized", zap.String("session", sessionID), zap.Int("length", len(text)))
}

// Wait blocks until pending summaries finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func buildHistory(entries []sessionmodel.TranscriptEntry) []*schema.Message {
	start := 0
	if len(entries) > historyLimit {
		start = len(entries) - historyLimit
	}

	history := make([]*schema.Message, 0, len(entries)-start)
	for _, entry := range entries[start:] {
		if entry.Text == "" {
			continue
		}
		switch entry.Speaker {
		case sessionmodel.SpeakerCaller:
			history = append(history, schema.UserMessage(entry.Text))
		case sessionmodel.SpeakerAI:
			history = append(history, schema.AssistantMessage(entry.Text, nil))
		case sessionmodel.SpeakerHuman:
			history = append(history, schema.AssistantMessage("(operator) "+entry.Text, nil))
		case sessionmodel.SpeakerSystem:
			// Earlier summaries are not fed back.
			if strings.HasPrefix(entry.Text, "Summary: ") {
				continue
			}
			history = append(history, schema.UserMessage("(note) "+entry.Text))
		}
	}
	return history
}

func describeCall(call sessionmodel.Call) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status=%s", call.Status)
	if call.To != "" {
		fmt.Fprintf(&b, ", to=%s", call.To)
	}
	if call.Duration > 0 {
		fmt.Fprintf(&b, ", duration=%s", call.Duration.Round(time.Second))
	}
	if call.EndReason != "" {
		fmt.Fprintf(&b, ", ended because %q", call.EndReason)
	}
	return b.String()
}
