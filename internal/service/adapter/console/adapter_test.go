package console_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/callbridge/internal/model/message"
	model "github.com/zhouzirui/callbridge/internal/model/session"
	"github.com/zhouzirui/callbridge/internal/service/adapter"
	"github.com/zhouzirui/callbridge/internal/service/adapter/console"
	"github.com/zhouzirui/callbridge/internal/service/routing"
	sessionsvc "github.com/zhouzirui/callbridge/internal/service/session"
	"github.com/zhouzirui/callbridge/internal/service/stream"
	"github.com/zhouzirui/callbridge/internal/service/stream/streamtest"
	"github.com/zhouzirui/callbridge/internal/service/takeover"
)

type fakeAgent struct {
	controls []*message.Message
}

func (f *fakeAgent) Control(msg *message.Message) bool {
	f.controls = append(f.controls, msg)
	return true
}

type harness struct {
	store    *sessionsvc.Store
	streams  *stream.Manager
	human    *console.Adapter
	observer *console.Adapter
	agent    *fakeAgent
	carrier  *streamtest.Transport
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: sessionsvc.NewStore(sessionsvc.Options{}), agent: &fakeAgent{}}
	selector := routing.NewSelector(routing.NewDefaultRegistry())
	h.streams = stream.NewManager(selector, h.store, stream.Options{})
	ctrl := takeover.New(h.store, selector, h.streams, takeover.Options{})

	opts := console.Options{Store: h.store, Streams: h.streams, Takeover: ctrl, Agent: h.agent}
	h.human = console.New(message.RoleHuman, opts)
	h.observer = console.New(message.RoleObserver, opts)
	h.streams.SetEncoder(message.RoleHuman, h.human)
	h.streams.SetEncoder(message.RoleObserver, h.observer)
	h.streams.SetEncoder(message.RoleTelephony, stream.EncoderFunc(func(msg *message.Message) ([]byte, bool) {
		return []byte(fmt.Sprintf("%s|%s|%s", msg.Kind, msg.StreamSID, msg.Audio)), true
	}))
	h.streams.SetEncoder(message.RoleAI, stream.EncoderFunc(func(msg *message.Message) ([]byte, bool) {
		return []byte(fmt.Sprintf("%s|%s", msg.Kind, msg.Audio)), true
	}))

	h.store.Create("S1")
	h.carrier = streamtest.NewTransport()
	h.streams.Register(message.RoleTelephony, h.carrier, "S1", stream.InitialState{StreamSID: "ST1"})
	return h
}

func serve(t *testing.T, a *console.Adapter, transport *streamtest.Transport, sessionID string) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- a.Serve(context.Background(), transport, sessionID) }()
	return done
}

func envelopeTypes(t *testing.T, writes []string) []string {
	t.Helper()
	types := make([]string, 0, len(writes))
	for _, w := range writes {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(w), &env); err != nil {
			t.Fatalf("bad envelope %q: %v", w, err)
		}
		types = append(types, env.Type)
	}
	return types
}

func hasType(t *testing.T, writes []string, want string) bool {
	for _, typ := range envelopeTypes(t, writes) {
		if typ == want {
			return true
		}
	}
	return false
}

func TestToStandard(t *testing.T) {
	a := console.New(message.RoleHuman, console.Options{})

	audio := `{"type":"audio","sessionId":"S1","data":{"audio":"` + base64.StdEncoding.EncodeToString([]byte{1, 2}) + `","seq":"4"}}`
	msg, err := a.ToStandard([]byte(audio), "S1")
	if err != nil {
		t.Fatalf("audio: %v", err)
	}
	if msg.Kind != message.KindAudio || msg.Source != message.RoleHuman || msg.Encoding != message.EncodingMulaw8k || msg.FrameID != "4" {
		t.Fatalf("unexpected audio message %+v", msg)
	}

	msg, err = a.ToStandard([]byte(`{"type":"takeover","data":{"operator":"alice"}}`), "S1")
	if err != nil || msg.Kind != message.KindTakeover || msg.Data["operator"] != "alice" {
		t.Fatalf("unexpected takeover message %+v (%v)", msg, err)
	}

	msg, err = a.ToStandard([]byte(`{"type":"control","data":{"action":"change_voice","voiceId":"v9"}}`), "S1")
	if err != nil || msg.Action != message.ActionChangeVoice || msg.Destination != message.RoleAI {
		t.Fatalf("unexpected control message %+v (%v)", msg, err)
	}

	if _, err := a.ToStandard([]byte(`{"type":"ping","sessionId":"S2"}`), "S1"); !errors.Is(err, adapter.ErrMalformed) {
		t.Fatalf("session mismatch must be rejected, got %v", err)
	}
	if _, err := a.ToStandard([]byte(`{"type":"dance"}`), "S1"); !errors.Is(err, adapter.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := a.ToStandard([]byte(`{"type":"text","data":{"text":""}}`), "S1"); !errors.Is(err, adapter.ErrMalformed) {
		t.Fatalf("empty notes must be rejected, got %v", err)
	}
}

func TestFromStandard(t *testing.T) {
	a := console.New(message.RoleObserver, console.Options{})

	msg := message.New("S1", message.RoleAI, message.KindTranscript)
	msg.Text = "hello"
	msg.Speaker = string(model.SpeakerAI)
	msg.Final = true
	payload, ok := a.FromStandard(msg)
	if !ok {
		t.Fatalf("transcripts must encode")
	}
	var env struct {
		Type      string         `json:"type"`
		SessionID string         `json:"sessionId"`
		Data      map[string]any `json:"data"`
		Timestamp int64          `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != "transcript" || env.SessionID != "S1" || env.Data["text"] != "hello" || env.Data["final"] != true || env.Timestamp == 0 {
		t.Fatalf("unexpected envelope %s", payload)
	}

	if _, ok := a.FromStandard(message.New("S1", message.RoleAI, message.KindStart)); ok {
		t.Fatalf("start has no console representation")
	}
}

func TestServeSendsSnapshotAndAnswersPing(t *testing.T) {
	h := newHarness(t)
	ws := streamtest.NewTransport()
	done := serve(t, h.observer, ws, "S1")

	ws.FeedString(`{"type":"ping"}`)
	writes := ws.WaitWrites(t, 2)
	types := envelopeTypes(t, writes)
	if types[0] != "session" || types[1] != "pong" {
		t.Fatalf("unexpected envelopes %v", types)
	}

	ws.End()
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if h.streams.Connection(message.RoleObserver, "S1") != nil {
		t.Fatalf("observer must unregister on close")
	}
}

func TestServeRejectsUnknownSession(t *testing.T) {
	h := newHarness(t)
	ws := streamtest.NewTransport()
	if err := h.observer.Serve(context.Background(), ws, "missing"); !errors.Is(err, sessionsvc.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if !ws.Closed() {
		t.Fatalf("rejected transport must be closed")
	}
}

func TestObserverIsReadOnly(t *testing.T) {
	h := newHarness(t)
	ws := streamtest.NewTransport()
	done := serve(t, h.observer, ws, "S1")

	ws.FeedString(`{"type":"takeover","data":{"operator":"mallory"}}`)
	writes := ws.WaitWrites(t, 2)
	if !hasType(t, writes, "error") {
		t.Fatalf("observer commands must be answered with an error, got %v", writes)
	}
	if h.store.AgentMode("S1") {
		t.Fatalf("observer must not be able to take over")
	}
	ws.End()
	<-done
}

func TestOperatorTakeoverAndSpeech(t *testing.T) {
	h := newHarness(t)
	ws := streamtest.NewTransport()
	done := serve(t, h.human, ws, "S1")

	speech := `{"type":"audio","data":{"audio":"` + base64.StdEncoding.EncodeToString([]byte("op")) + `"}}`

	ws.FeedString(speech)
	time.Sleep(20 * time.Millisecond)
	if len(h.carrier.Writes()) != 0 {
		t.Fatalf("operator speech must not reach the caller before takeover")
	}

	ws.FeedString(`{"type":"takeover","data":{"operator":"alice"}}`)
	streamtest.Eventually(t, "takeover", func() bool { return h.store.AgentMode("S1") })

	ws.FeedString(speech)
	streamtest.Eventually(t, "operator speech at the carrier", func() bool {
		for _, w := range h.carrier.Writes() {
			if w == "audio|ST1|op" {
				return true
			}
		}
		return false
	})

	ws.FeedString(`{"type":"release"}`)
	streamtest.Eventually(t, "release", func() bool { return !h.store.AgentMode("S1") })

	ws.End()
	<-done
}

func TestOperatorNotesAndControls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if !h.human.OnIncoming(ctx, []byte(`{"type":"text","data":{"text":"customer verified"}}`), "S1") {
		t.Fatalf("note must be accepted")
	}
	entries, _ := h.store.Transcript("S1")
	if len(entries) != 1 || entries[0].Text != "customer verified" || entries[0].Speaker != model.SpeakerSystem {
		t.Fatalf("note not recorded: %+v", entries)
	}

	if !h.human.OnIncoming(ctx, []byte(`{"type":"control","data":{"action":"change_voice","voiceId":"v9"}}`), "S1") {
		t.Fatalf("control must be forwarded")
	}
	if len(h.agent.controls) != 1 || h.agent.controls[0].Data["voiceId"] != "v9" {
		t.Fatalf("control not forwarded: %+v", h.agent.controls)
	}
}

func TestOperatorHangup(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.store.SetStatus("S1", model.StatusConnected, "test"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	if !h.human.OnIncoming(context.Background(), []byte(`{"type":"hangup"}`), "S1") {
		t.Fatalf("hangup must end the call")
	}
	snap, _ := h.store.Get("S1")
	if snap.Call.Status != model.StatusEnded || !strings.Contains(snap.Call.EndReason, "operator") {
		t.Fatalf("unexpected call state %s (%s)", snap.Call.Status, snap.Call.EndReason)
	}
	if h.human.OnIncoming(context.Background(), []byte(`{"type":"hangup"}`), "S1") {
		t.Fatalf("second hangup must be a no-op")
	}
}
