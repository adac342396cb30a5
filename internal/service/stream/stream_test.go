package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zhouzirui/callbridge/internal/audio"
	"github.com/zhouzirui/callbridge/internal/metrics"
	"github.com/zhouzirui/callbridge/internal/model/message"
	"github.com/zhouzirui/callbridge/internal/service/routing"
	sessionsvc "github.com/zhouzirui/callbridge/internal/service/session"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	mu      sync.Mutex
	writes  []string
	types   []int
	reads   chan []byte
	closed  chan struct{}
	once    sync.Once
	release chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reads: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.reads:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errTransportClosed
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	if f.release != nil {
		select {
		case <-f.release:
		case <-f.closed:
			return errTransportClosed
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType != websocket.PingMessage {
		f.writes = append(f.writes, string(data))
		f.types = append(f.types, messageType)
	}
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// textEncoder renders "kind|streamSid|payload" for assertions.
var textEncoder = EncoderFunc(func(msg *message.Message) ([]byte, bool) {
	body := string(msg.Audio)
	if body == "" {
		body = msg.Text
	}
	return []byte(fmt.Sprintf("%s|%s|%s", msg.Kind, msg.StreamSID, body)), true
})

type fixture struct {
	store    *sessionsvc.Store
	selector *routing.Selector
	manager  *Manager
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	m := metrics.New("test")
	store := sessionsvc.NewStore(sessionsvc.Options{Metrics: m})
	selector := routing.NewSelector(routing.NewDefaultRegistry())
	opts.Metrics = m
	manager := NewManager(selector, store, opts)
	for _, role := range message.Roles() {
		manager.SetEncoder(role, textEncoder)
	}
	return &fixture{store: store, selector: selector, manager: manager, metrics: m}
}

func (fx *fixture) register(t *testing.T, role message.Role, tr Transport, sessionID string, initial InitialState) *Connection {
	t.Helper()
	conn, err := fx.manager.Register(role, tr, sessionID, initial)
	if err != nil {
		t.Fatalf("Register(%s, %s): %v", role, sessionID, err)
	}
	return conn
}

func agentAudio(sessionID, payload string) *message.Message {
	msg := message.New(sessionID, message.RoleAI, message.KindAudio)
	msg.Audio = []byte(payload)
	msg.Encoding = message.EncodingMulaw8k
	return msg
}

func TestRegisterReplacesPreviousConnection(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")

	first := newFakeTransport()
	second := newFakeTransport()

	c1 := fx.register(t, message.RoleTelephony, first, "S1", InitialState{})
	c2 := fx.register(t, message.RoleTelephony, second, "S1", InitialState{})

	if !first.isClosed() || !c1.Closed() {
		t.Fatalf("stale connection must be closed on replacement")
	}
	if got := fx.manager.Connection(message.RoleTelephony, "S1"); got != c2 {
		t.Fatalf("expected the new connection to be registered")
	}

	// Out-of-order close of the stale connection must not clobber its successor.
	_ = c1.Close()
	if got := fx.manager.Connection(message.RoleTelephony, "S1"); got != c2 {
		t.Fatalf("stale close unregistered the successor")
	}

	if err := c2.Close(); err != nil {
		t.Fatalf("Close err: %v", err)
	}
	_ = c2.Close()
	if fx.manager.Connection(message.RoleTelephony, "S1") != nil {
		t.Fatalf("closed connection still registered")
	}
	if got := testutil.ToFloat64(fx.metrics.ConnectionsActive.WithLabelValues("telephony")); got != 0 {
		t.Fatalf("expected no active telephony connections, got %v", got)
	}
}

func TestRegisterRefusesUnknownSession(t *testing.T) {
	fx := newFixture(t, Options{})
	tr := newFakeTransport()

	conn, err := fx.manager.Register(message.RoleAI, tr, "ghost", InitialState{StreamSID: "ST1"})
	if !errors.Is(err, ErrUnknownSession) || conn != nil {
		t.Fatalf("expected ErrUnknownSession, got conn=%v err=%v", conn, err)
	}
	if !tr.isClosed() {
		t.Fatalf("refused transport must be closed")
	}
	if fx.manager.Connection(message.RoleAI, "ghost") != nil {
		t.Fatalf("refused connection must not be registered")
	}
	if fx.store.Exists("ghost") {
		t.Fatalf("refusal must not create the session")
	}

	fx.store.Create("S1")
	fx.store.Remove("S1", sessionsvc.ReasonExplicit)
	if _, err := fx.manager.Register(message.RoleAI, newFakeTransport(), "S1", InitialState{}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("removed session must be refused, got %v", err)
	}
}

func TestConcurrentRegisterLeavesOneConnection(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")
	transports := make([]*fakeTransport, 20)
	var wg sync.WaitGroup
	for i := range transports {
		transports[i] = newFakeTransport()
		wg.Add(1)
		go func(tr *fakeTransport) {
			defer wg.Done()
			fx.manager.Register(message.RoleAI, tr, "S1", InitialState{})
		}(transports[i])
	}
	wg.Wait()

	open := 0
	for _, tr := range transports {
		if !tr.isClosed() {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("expected exactly one open transport, got %d", open)
	}
	if fx.manager.Stats().ByRole[message.RoleAI] != 1 {
		t.Fatalf("expected one registered ai connection")
	}
}

func TestRegisterMergesInitialState(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")

	fx.manager.Register(message.RoleTelephony, newFakeTransport(), "S1", InitialState{StreamSID: "ST1", CallSID: "CA1"})

	snap, _ := fx.store.Get("S1")
	if snap.Call.StreamSID != "ST1" || snap.Call.CallSID != "CA1" || !snap.Call.IsReal {
		t.Fatalf("initial state not merged: %+v", snap.Call)
	}
}

func TestRouteAgentAudioEnrichedWithStreamSID(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")
	tel := newFakeTransport()
	fx.manager.Register(message.RoleTelephony, tel, "S1", InitialState{StreamSID: "ST1"})

	if !fx.manager.Route(agentAudio("S1", "hello")) {
		t.Fatalf("expected delivery to telephony")
	}

	waitFor(t, "telephony write", func() bool { return len(tel.snapshot()) == 1 })
	if got := tel.snapshot()[0]; got != "audio|ST1|hello" {
		t.Fatalf("unexpected frame %q", got)
	}
	if last, _ := fx.selector.LastSelected("S1", message.RoleAI, message.KindAudio); last != message.RoleTelephony {
		t.Fatalf("last selection not recorded, got %q", last)
	}

	snap, _ := fx.store.Get("S1")
	if snap.Audio.FramesOut != 1 {
		t.Fatalf("expected one outbound frame recorded, got %+v", snap.Audio)
	}
}

func TestRouteWithoutTelephonyIsCountedMiss(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")

	done := make(chan bool, 1)
	go func() { done <- fx.manager.Route(agentAudio("S1", "hello")) }()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("route must fail without a telephony connection")
		}
	case <-time.After(time.Second):
		t.Fatalf("route blocked")
	}

	if got := testutil.ToFloat64(fx.metrics.RoutingMisses.WithLabelValues("ai", "audio")); got != 1 {
		t.Fatalf("expected one miss, got %v", got)
	}
	if fx.manager.Stats().Misses != 1 {
		t.Fatalf("expected miss in stats")
	}
}

func TestRouteUnknownKindIsNoop(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")
	obs := newFakeTransport()
	fx.manager.Register(message.RoleObserver, obs, "S1", InitialState{})

	msg := message.New("S1", message.RoleObserver, message.KindNote)
	if fx.manager.Route(msg) {
		t.Fatalf("message without a rule must not be delivered")
	}
	time.Sleep(20 * time.Millisecond)
	if len(obs.snapshot()) != 0 {
		t.Fatalf("nothing should have been written")
	}
}

func TestRouteTelephonyWithoutStreamSIDDrops(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")
	fx.manager.Register(message.RoleTelephony, newFakeTransport(), "S1", InitialState{})

	if fx.manager.Route(agentAudio("S1", "x")) {
		t.Fatalf("telephony audio without a stream sid is undeliverable")
	}
}

func TestRouteExplicitDestinationWins(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")
	human := newFakeTransport()
	fx.manager.Register(message.RoleHuman, human, "S1", InitialState{})

	msg := message.New("S1", message.RoleAI, message.KindTranscript)
	msg.Destination = message.RoleHuman
	msg.Text = "hi"
	if !fx.manager.Route(msg) {
		t.Fatalf("explicit destination must be delivered")
	}
	waitFor(t, "human write", func() bool { return len(human.snapshot()) == 1 })
}

func TestRouteDiscardOverrideIsNotAMiss(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")
	tel := newFakeTransport()
	fx.manager.Register(message.RoleTelephony, tel, "S1", InitialState{StreamSID: "ST1"})
	fx.selector.SetSessionRoute("S1", message.RoleAI, message.KindAudio, message.RoleNone)

	if fx.manager.Route(agentAudio("S1", "x")) {
		t.Fatalf("discarded audio must not be delivered")
	}
	stats := fx.manager.Stats()
	if stats.Discarded != 1 || stats.Misses != 0 {
		t.Fatalf("expected discard without miss, got %+v", stats)
	}
}

func TestRouteSuppressesDuplicateFrames(t *testing.T) {
	fx := newFixture(t, Options{Dedup: audio.NewDeduplicator(time.Second)})
	fx.store.Create("S1")
	fx.manager.Register(message.RoleTelephony, newFakeTransport(), "S1", InitialState{StreamSID: "ST1"})

	msg := agentAudio("S1", "x")
	msg.FrameID = "42"
	if !fx.manager.Route(msg) {
		t.Fatalf("first frame must route")
	}
	if fx.manager.Route(msg.Clone()) {
		t.Fatalf("duplicate frame must be suppressed")
	}
	snap, _ := fx.store.Get("S1")
	if snap.Audio.Duplicates != 1 {
		t.Fatalf("duplicate not recorded: %+v", snap.Audio)
	}
}

func TestAudioMirroredToMonitors(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")
	tel := newFakeTransport()
	obs := newFakeTransport()
	fx.manager.Register(message.RoleTelephony, tel, "S1", InitialState{StreamSID: "ST1"})
	fx.manager.Register(message.RoleObserver, obs, "S1", InitialState{})

	fx.manager.Route(agentAudio("S1", "abc"))
	waitFor(t, "observer mirror", func() bool { return len(obs.snapshot()) == 1 })
}

func TestBroadcastIsolatedPerSession(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")
	fx.store.Create("S2")
	obs1, obs2, human1 := newFakeTransport(), newFakeTransport(), newFakeTransport()
	tel1 := newFakeTransport()
	fx.manager.Register(message.RoleObserver, obs1, "S1", InitialState{})
	fx.manager.Register(message.RoleHuman, human1, "S1", InitialState{})
	fx.manager.Register(message.RoleTelephony, tel1, "S1", InitialState{})
	fx.manager.Register(message.RoleObserver, obs2, "S2", InitialState{})

	status := message.New("S1", message.RoleTelephony, message.KindStatus)
	status.Text = "ended"
	if n := fx.manager.Broadcast("S1", status); n != 2 {
		t.Fatalf("expected 2 recipients, got %d", n)
	}

	waitFor(t, "observer broadcast", func() bool { return len(obs1.snapshot()) == 1 && len(human1.snapshot()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if len(obs2.snapshot()) != 0 {
		t.Fatalf("broadcast leaked into another session")
	}
	if len(tel1.snapshot()) != 0 {
		t.Fatalf("broadcast must only reach monitoring roles")
	}
}

func TestDeliverAndCloseSession(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")
	tel, ai := newFakeTransport(), newFakeTransport()
	fx.manager.Register(message.RoleTelephony, tel, "S1", InitialState{})
	fx.manager.Register(message.RoleAI, ai, "S1", InitialState{})

	if !fx.manager.Deliver(message.RoleAI, "S1", []byte("raw"), ClassControl) {
		t.Fatalf("deliver to live connection failed")
	}
	if fx.manager.Deliver(message.RoleHuman, "S1", []byte("raw"), ClassControl) {
		t.Fatalf("deliver without connection must return false")
	}
	waitFor(t, "ai write", func() bool { return len(ai.snapshot()) == 1 })

	if n := fx.manager.CloseSession("S1"); n != 2 {
		t.Fatalf("expected 2 connections closed, got %d", n)
	}
	if !tel.isClosed() || !ai.isClosed() {
		t.Fatalf("transports must be closed")
	}
	if fx.manager.Deliver(message.RoleAI, "S1", []byte("raw"), ClassControl) {
		t.Fatalf("deliver after close must fail")
	}
	if fx.manager.Stats().Connections != 0 {
		t.Fatalf("no connections expected after CloseSession")
	}
}

func TestDrainSessionFlushesControlFrames(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")
	obs := newFakeTransport()
	obs.release = make(chan struct{})
	conn := fx.register(t, message.RoleObserver, obs, "S1", InitialState{})

	conn.Send([]byte("audio"), ClassAudio)
	conn.Send([]byte("status"), ClassControl)
	if n := fx.manager.DrainSession("S1"); n != 1 {
		t.Fatalf("expected one connection drained, got %d", n)
	}
	if ok, _ := conn.Send([]byte("late"), ClassControl); ok {
		t.Fatalf("draining connection must refuse new frames")
	}
	if fx.manager.Connection(message.RoleObserver, "S1") != nil {
		t.Fatalf("drained connection must be forgotten at once")
	}

	close(obs.release)
	waitFor(t, "drain close", obs.isClosed)
	got := obs.snapshot()
	if got[len(got)-1] != "status" {
		t.Fatalf("queued control frame not written before close: %v", got)
	}
	for _, w := range got {
		if w == "late" {
			t.Fatalf("frame sent after drain was written")
		}
	}
}

func TestWriteFailureClosesConnection(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")
	tr := newFakeTransport()
	tr.release = make(chan struct{})
	conn := fx.register(t, message.RoleAI, tr, "S1", InitialState{})

	conn.Send([]byte("x"), ClassControl)
	_ = tr.Close()

	waitFor(t, "connection close", conn.Closed)
	if fx.manager.Connection(message.RoleAI, "S1") != nil {
		t.Fatalf("failed connection must unregister")
	}
}

func TestFrameQueueDropsOldestAudioOnly(t *testing.T) {
	q := newFrameQueue(2)
	q.push(frame{data: []byte("a1"), class: ClassAudio})
	q.push(frame{data: []byte("mark"), class: ClassControl})
	q.push(frame{data: []byte("a2"), class: ClassAudio})
	if dropped := q.push(frame{data: []byte("a3"), class: ClassAudio}); dropped != 1 {
		t.Fatalf("expected one drop, got %d", dropped)
	}
	q.push(frame{data: []byte("clear"), class: ClassUrgent})

	var order []string
	for {
		f, ok := q.pop()
		if !ok {
			break
		}
		order = append(order, string(f.data))
	}
	want := []string{"clear", "mark", "a2", "a3"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("unexpected order %v, want %v", order, want)
	}
}

func TestFrameQueueFlushAudioKeepsControl(t *testing.T) {
	q := newFrameQueue(8)
	q.push(frame{data: []byte("a1"), class: ClassAudio})
	q.push(frame{data: []byte("mark"), class: ClassControl})
	q.push(frame{data: []byte("a2"), class: ClassAudio})

	if n := q.flushAudio(); n != 2 {
		t.Fatalf("expected 2 flushed, got %d", n)
	}
	f, ok := q.pop()
	if !ok || string(f.data) != "mark" || q.len() != 0 {
		t.Fatalf("control frame must survive a flush")
	}
}

func TestPumpHandlesFramesInOrder(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")
	tr := newFakeTransport()
	conn := fx.register(t, message.RoleTelephony, tr, "S1", InitialState{})

	for i := 0; i < 5; i++ {
		tr.reads <- []byte(fmt.Sprintf("f%d", i))
	}
	close(tr.reads)

	var got []string
	err := Pump(context.Background(), conn, 16, nil, func(_ context.Context, data []byte) {
		got = append(got, string(data))
	})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if fmt.Sprint(got) != "[f0 f1 f2 f3 f4]" {
		t.Fatalf("unexpected handling order %v", got)
	}
}

func TestPumpStopsOnContextCancel(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")
	tr := newFakeTransport()
	conn := fx.register(t, message.RoleAI, tr, "S1", InitialState{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Pump(ctx, conn, 4, nil, func(context.Context, []byte) {})
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pump did not stop")
	}
	if !conn.Closed() {
		t.Fatalf("cancelled pump must close the connection")
	}
}

func TestCloseIsReentrant(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.Create("S1")
	conn := fx.register(t, message.RoleTelephony, newFakeTransport(), "S1", InitialState{})

	fx.store.OnRemove(func(id, _ string) {
		fx.manager.CloseSession(id)
		// A second close from inside the same teardown must not deadlock.
		_ = conn.Close()
	})

	done := make(chan struct{})
	go func() {
		fx.store.Remove("S1", sessionsvc.ReasonExplicit)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("re-entrant close deadlocked")
	}
	if !conn.Closed() {
		t.Fatalf("connection not closed")
	}
}
