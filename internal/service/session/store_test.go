package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/callbridge/internal/audio"
	model "github.com/zhouzirui/callbridge/internal/model/session"
	sessionsvc "github.com/zhouzirui/callbridge/internal/service/session"
)

type fakeEnder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeEnder) EndCall(_ context.Context, callSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, callSID)
	return f.err
}

func (f *fakeEnder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T, opts sessionsvc.Options) *sessionsvc.Store {
	t.Helper()
	return sessionsvc.NewStore(opts)
}

func TestCreateIsIdempotent(t *testing.T) {
	store := newStore(t, sessionsvc.Options{})

	first, created := store.Create("sess_1")
	if !created || first.ID != "sess_1" {
		t.Fatalf("expected new session sess_1, got %+v created=%v", first, created)
	}

	again, created := store.Create("sess_1")
	if created {
		t.Fatalf("second create must return the existing session")
	}
	if !again.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("existing session must not be replaced")
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", store.Len())
	}

	generated, created := store.Create("")
	if !created || generated.ID == "" {
		t.Fatalf("empty id must generate a session id")
	}
}

func TestCreatePromotesLazySession(t *testing.T) {
	store := newStore(t, sessionsvc.Options{})

	lazy, _ := store.CreateLazy("sess_lazy")
	if !lazy.Lazy {
		t.Fatalf("expected lazy session")
	}

	explicit, created := store.Create("sess_lazy")
	if created || explicit.Lazy {
		t.Fatalf("explicit create must promote the lazy session, got %+v", explicit)
	}
}

func TestGetMissingSession(t *testing.T) {
	store := newStore(t, sessionsvc.Options{})
	if _, err := store.Get("missing"); !errors.Is(err, sessionsvc.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestAppendTranscriptRespectsCap(t *testing.T) {
	store := newStore(t, sessionsvc.Options{TranscriptCap: 5})
	store.Create("sess_1")

	for i := 0; i < 12; i++ {
		if !store.AppendTranscript("sess_1", fmt.Sprintf("entry %d", i), model.SpeakerCaller) {
			t.Fatalf("append %d failed", i)
		}
	}

	entries, err := store.Transcript("sess_1")
	if err != nil {
		t.Fatalf("Transcript err: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[0].Text != "entry 7" || entries[4].Text != "entry 11" {
		t.Fatalf("expected most recent entries oldest first, got %q .. %q", entries[0].Text, entries[4].Text)
	}
}

func TestAppendTranscriptMissingSessionNeverFails(t *testing.T) {
	store := newStore(t, sessionsvc.Options{})
	if store.AppendTranscript("missing", "hello", model.SpeakerAI) {
		t.Fatalf("append to a missing session must report false")
	}
	if store.Len() != 0 {
		t.Fatalf("append must not create sessions")
	}
}

func TestUpdateCallMarksRealAndKeepsStreamSID(t *testing.T) {
	store := newStore(t, sessionsvc.Options{})
	store.Create("sess_1")

	snap, err := store.UpdateCall("sess_1", model.CallUpdate{To: "+15550100"})
	if err != nil {
		t.Fatalf("UpdateCall err: %v", err)
	}
	if snap.Call.IsReal {
		t.Fatalf("destination alone must not mark the call real")
	}

	snap, err = store.UpdateCall("sess_1", model.CallUpdate{StreamSID: "ST1", CallSID: "CA1"})
	if err != nil {
		t.Fatalf("UpdateCall err: %v", err)
	}
	if !snap.Call.IsReal || snap.Call.StreamSID != "ST1" || snap.Call.To != "+15550100" {
		t.Fatalf("unexpected call after merge: %+v", snap.Call)
	}

	if _, err := store.UpdateCall("sess_1", model.CallUpdate{StreamSID: "ST2"}); !errors.Is(err, sessionsvc.ErrStreamSIDImmutable) {
		t.Fatalf("expected ErrStreamSIDImmutable, got %v", err)
	}
	if _, err := store.UpdateCall("sess_1", model.CallUpdate{StreamSID: "ST1"}); err != nil {
		t.Fatalf("repeating the same stream sid must succeed, got %v", err)
	}
	if store.StreamSID("sess_1") != "ST1" {
		t.Fatalf("stream sid changed")
	}

	if id, ok := store.LookupByStreamSID("ST1"); !ok || id != "sess_1" {
		t.Fatalf("stream index missing: %q %v", id, ok)
	}
	if id, ok := store.LookupByCallSID("CA1"); !ok || id != "sess_1" {
		t.Fatalf("call index missing: %q %v", id, ok)
	}
}

func TestTerminalStatusBroadcastsOnce(t *testing.T) {
	clk := newClock()
	store := newStore(t, sessionsvc.Options{Now: clk.Now})
	store.Create("sess_1")
	store.UpdateCall("sess_1", model.CallUpdate{StreamSID: "ST1", CallSID: "CA1"})

	var mu sync.Mutex
	var changes []sessionsvc.StatusChange
	store.OnStatusChange(func(c sessionsvc.StatusChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	if _, applied, err := store.ApplyCarrierStatus("sess_1", "in-progress"); err != nil || !applied {
		t.Fatalf("in-progress not applied: %v", err)
	}
	clk.Advance(90 * time.Second)

	for i := 0; i < 2; i++ {
		if _, _, err := store.ApplyCarrierStatus("sess_1", "completed"); err != nil {
			t.Fatalf("ApplyCarrierStatus err: %v", err)
		}
	}

	terminal := 0
	for _, c := range changes {
		if c.Terminal() {
			terminal++
		}
	}
	if terminal != 1 {
		t.Fatalf("expected exactly one terminal broadcast, got %d (%+v)", terminal, changes)
	}

	snap, _ := store.Get("sess_1")
	if snap.Call.Status != model.StatusEnded || snap.Call.Duration != 90*time.Second {
		t.Fatalf("unexpected call after completion: %+v", snap.Call)
	}
	if snap.Call.StreamSID != "ST1" {
		t.Fatalf("stream sid must stay on the record")
	}
	if _, ok := store.LookupByStreamSID("ST1"); ok {
		t.Fatalf("terminal status must release the stream index")
	}
	if _, ok := store.LookupByCallSID("CA1"); ok {
		t.Fatalf("terminal status must release the call index")
	}
}

func TestCarrierStatusIgnoresBackwardMoves(t *testing.T) {
	store := newStore(t, sessionsvc.Options{})
	store.Create("sess_1")

	store.ApplyCarrierStatus("sess_1", "ringing")
	store.ApplyCarrierStatus("sess_1", "in-progress")
	status, applied, err := store.ApplyCarrierStatus("sess_1", "ringing")
	if err != nil || applied || status != model.StatusConnected {
		t.Fatalf("backward move must be ignored, got %q applied=%v err=%v", status, applied, err)
	}

	if _, _, err := store.ApplyCarrierStatus("sess_1", "teleported"); !errors.Is(err, sessionsvc.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestFailCallEndsActiveCall(t *testing.T) {
	store := newStore(t, sessionsvc.Options{})
	store.Create("pre")
	store.Create("live")

	store.SetStatus("pre", model.StatusRinging, "")
	if !store.FailCall("pre", "agent error") {
		t.Fatalf("FailCall not applied")
	}
	if status, _ := store.CallStatus("pre"); status != model.StatusFailed {
		t.Fatalf("pre-active failure must be failed, got %q", status)
	}

	store.SetStatus("live", model.StatusConnected, "")
	if !store.MarkActive("live") {
		t.Fatalf("MarkActive not applied")
	}
	store.FailCall("live", "agent error")
	snap, _ := store.Get("live")
	if snap.Call.Status != model.StatusEnded || snap.Call.EndReason != "agent error" {
		t.Fatalf("active failure must end the call, got %+v", snap.Call)
	}
}

func TestMarkActiveRequiresCarrierLeg(t *testing.T) {
	store := newStore(t, sessionsvc.Options{})
	store.Create("browser")

	if store.MarkActive("browser") {
		t.Fatalf("a session without a carrier leg must not go active")
	}
	if status, _ := store.CallStatus("browser"); status != model.StatusIdle {
		t.Fatalf("expected idle, got %q", status)
	}
}

func TestEndCallHangsUpRealLegOnce(t *testing.T) {
	ender := &fakeEnder{}
	store := newStore(t, sessionsvc.Options{CallEnder: ender})
	store.Create("sess_1")
	store.UpdateCall("sess_1", model.CallUpdate{CallSID: "CA1"})
	store.SetStatus("sess_1", model.StatusRinging, "")

	ended, err := store.EndCall(context.Background(), "sess_1", "operator hangup")
	if err != nil || !ended {
		t.Fatalf("EndCall = %v, %v", ended, err)
	}
	ended, err = store.EndCall(context.Background(), "sess_1", "operator hangup")
	if err != nil || ended {
		t.Fatalf("second EndCall must be a no-op, got %v, %v", ended, err)
	}
	if ender.count() != 1 {
		t.Fatalf("expected one carrier hangup, got %d", ender.count())
	}

	if _, err := store.EndCall(context.Background(), "missing", ""); !errors.Is(err, sessionsvc.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEndCallOnIdleSessionIsNoop(t *testing.T) {
	store := newStore(t, sessionsvc.Options{})
	store.Create("sess_1")

	ended, err := store.EndCall(context.Background(), "sess_1", "")
	if err != nil || ended {
		t.Fatalf("idle session has no call to end, got %v %v", ended, err)
	}
}

func TestSetAgentModeCountsTakeovers(t *testing.T) {
	store := newStore(t, sessionsvc.Options{})
	store.Create("sess_1")

	if _, changed, _ := store.SetAgentMode("sess_1", true); !changed {
		t.Fatalf("first activation must change state")
	}
	if _, changed, _ := store.SetAgentMode("sess_1", true); changed {
		t.Fatalf("repeated activation must be idempotent")
	}
	store.SetAgentMode("sess_1", false)
	snap, _, _ := store.SetAgentMode("sess_1", true)

	if snap.TakeoverCount != 2 || snap.TakeoverAt == nil || !snap.AgentMode {
		t.Fatalf("unexpected takeover state %+v", snap)
	}
}

func TestRecordAudioTracksLatency(t *testing.T) {
	store := newStore(t, sessionsvc.Options{LatencyWindow: 2})
	store.Create("sess_1")

	store.RecordAudio("sess_1", audio.Inbound, 160, 10*time.Millisecond)
	store.RecordAudio("sess_1", audio.Outbound, 320, 30*time.Millisecond)
	store.RecordAudio("sess_1", audio.Outbound, 320, 50*time.Millisecond)
	store.RecordDrop("sess_1")
	store.RecordDuplicate("sess_1")

	snap, _ := store.Get("sess_1")
	stats := snap.Audio
	if stats.FramesIn != 1 || stats.BytesOut != 640 || stats.Dropped != 1 || stats.Duplicates != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.AvgLatencyMs != 40 || stats.LastLatencyMs != 50 {
		t.Fatalf("unexpected latency %+v", stats)
	}
}

func TestRemoveRunsHooksAndEndsCall(t *testing.T) {
	ender := &fakeEnder{}
	store := newStore(t, sessionsvc.Options{CallEnder: ender})
	store.Create("sess_1")
	store.UpdateCall("sess_1", model.CallUpdate{CallSID: "CA1", StreamSID: "ST1"})
	store.SetStatus("sess_1", model.StatusConnected, "")

	var hooked []string
	store.OnRemove(func(id, reason string) {
		hooked = append(hooked, id+":"+reason)
		// Re-entrant removal from a hook must be harmless.
		store.Remove(id, reason)
	})

	if !store.Remove("sess_1", sessionsvc.ReasonExplicit) {
		t.Fatalf("Remove returned false")
	}
	if store.Remove("sess_1", sessionsvc.ReasonExplicit) {
		t.Fatalf("second Remove must report false")
	}
	if len(hooked) != 1 || hooked[0] != "sess_1:explicit" {
		t.Fatalf("unexpected hook calls %v", hooked)
	}
	if ender.count() != 1 {
		t.Fatalf("expected open call to be hung up once, got %d", ender.count())
	}
	if store.Exists("sess_1") {
		t.Fatalf("session still present")
	}
	if _, ok := store.LookupByStreamSID("ST1"); ok {
		t.Fatalf("stream index must be released")
	}
}

func TestListOrdersByCreation(t *testing.T) {
	clk := newClock()
	store := newStore(t, sessionsvc.Options{Now: clk.Now})
	store.Create("b")
	clk.Advance(time.Second)
	store.Create("a")

	list := store.List()
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Fatalf("unexpected order %+v", list)
	}
}

func TestConcurrentSessionsDoNotInterfere(t *testing.T) {
	store := newStore(t, sessionsvc.Options{TranscriptCap: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("sess_%d", i)
		store.Create(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				store.AppendTranscript(id, "x", model.SpeakerCaller)
				store.Touch(id)
				store.RecordAudio(id, audio.Inbound, 160, 0)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		entries, _ := store.Transcript(fmt.Sprintf("sess_%d", i))
		if len(entries) != 100 {
			t.Fatalf("session %d has %d entries", i, len(entries))
		}
	}
}
