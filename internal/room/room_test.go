package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tandembrowse/tandem/internal/provider"
	"github.com/tandembrowse/tandem/pkg/protocol"
)

// fakeProvider implements provider.Client in memory.
type fakeProvider struct {
	mu         sync.Mutex
	seq        int
	alive      map[string]bool // embed URL -> alive
	startURLs  []string
	regions    []string
	terminated []string
	permTarget []string
	createErr  error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{alive: make(map[string]bool)}
}

func (f *fakeProvider) CreateSession(_ context.Context, startURL, region string) (*provider.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	id := fmt.Sprintf("sess-%d", f.seq)
	embed := "https://embed.test/" + id
	f.alive[embed] = true
	f.startURLs = append(f.startURLs, startURL)
	f.regions = append(f.regions, region)
	return &provider.Session{ID: id, EmbedURL: embed}, nil
}

func (f *fakeProvider) ProbeSession(_ context.Context, embedURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[embedURL]
}

func (f *fakeProvider) SetPermissions(_ context.Context, hbID string, _ provider.Permissions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permTarget = append(f.permTarget, hbID)
	return nil
}

func (f *fakeProvider) TerminateSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sessionID)
	return nil
}

func (f *fakeProvider) kill(embedURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[embedURL] = false
}

func (f *fakeProvider) permTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.permTarget...)
}

// fakeSender records every envelope it is handed.
type fakeSender struct {
	mu   sync.Mutex
	msgs []protocol.Envelope
}

func (f *fakeSender) Send(data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) count(msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, env := range f.msgs {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

func (f *fakeSender) last(msgType string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Type == msgType {
			return f.msgs[i].Payload, true
		}
	}
	return nil, false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRoom(t *testing.T, password string, opts Options) (*Room, *fakeProvider) {
	t.Helper()
	if opts.MaxClients == 0 {
		opts.MaxClients = 50
	}
	if opts.PatchInterval == 0 {
		opts.PatchInterval = 10 * time.Millisecond
	}
	if opts.MemberGrace == 0 {
		opts.MemberGrace = time.Minute
	}
	if opts.EmptyTimeout == 0 {
		opts.EmptyTimeout = 5 * time.Minute
	}
	fp := newFakeProvider()
	r := newRoom(newState("T6789BCD", "owner-1", password), "sess-0", "https://embed.test/sess-0", fp, testLogger(), opts)
	t.Cleanup(func() { r.Close("test done") })
	return r, fp
}

// flush waits until the room loop has drained everything enqueued
// before it.
func flush(t *testing.T, r *Room) {
	t.Helper()
	done := make(chan struct{})
	r.enqueue(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("room loop stalled")
	}
}

func snapshot(t *testing.T, r *Room) protocol.RoomState {
	t.Helper()
	var snap protocol.RoomState
	done := make(chan struct{})
	r.enqueue(func() {
		snap = r.state.Snapshot()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("room loop stalled")
	}
	return snap
}

func TestJoinSendsJoinedAndSnapshot(t *testing.T) {
	r, _ := newTestRoom(t, "", Options{})

	sender := &fakeSender{}
	if _, err := r.Join(JoinRequest{MemberID: "user-1", Name: "alex", Sender: sender}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	payload, ok := sender.last(protocol.TypeJoined)
	if !ok {
		t.Fatal("no joined message received")
	}
	var joined protocol.Joined
	if err := json.Unmarshal(payload, &joined); err != nil {
		t.Fatal(err)
	}
	if joined.MemberID != "user-1" || joined.EmbedURL != "https://embed.test/sess-0" {
		t.Errorf("unexpected joined payload: %+v", joined)
	}

	payload, ok = sender.last(protocol.TypeRoomState)
	if !ok {
		t.Fatal("no roomState snapshot received")
	}
	var state protocol.RoomState
	if err := json.Unmarshal(payload, &state); err != nil {
		t.Fatal(err)
	}
	if state.PasswordProtected {
		t.Error("room without password reported as protected")
	}
	if _, ok := state.Members["user-1"]; !ok {
		t.Error("snapshot missing the joining member")
	}
}

func TestRoomFull(t *testing.T) {
	r, _ := newTestRoom(t, "", Options{MaxClients: 2})

	for i := 0; i < 2; i++ {
		if _, err := r.Join(JoinRequest{MemberID: fmt.Sprintf("user-%d", i), Sender: &fakeSender{}}); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}

	if _, err := r.Join(JoinRequest{MemberID: "user-2", Sender: &fakeSender{}}); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}

	snap := snapshot(t, r)
	if len(snap.Members) != 2 {
		t.Errorf("rejected join disturbed members: %d", len(snap.Members))
	}
}

func TestSetControlWithoutPassword(t *testing.T) {
	r, _ := newTestRoom(t, "", Options{})

	sender := &fakeSender{}
	if _, err := r.Join(JoinRequest{MemberID: "user-1", Sender: sender}); err != nil {
		t.Fatal(err)
	}

	r.Handle("user-1", &protocol.SetControl{Control: protocol.ControlEnabled})
	flush(t, r)

	snap := snapshot(t, r)
	if got := snap.Members["user-1"].Control; got != protocol.ControlEnabled {
		t.Errorf("control: got %q, want enabled", got)
	}
	if sender.count(protocol.TypeMemberUpdated) == 0 {
		t.Error("no memberUpdated broadcast after control change")
	}
}

func TestPasswordRoomBlocksControlUntilAuthenticated(t *testing.T) {
	r, fp := newTestRoom(t, "hunter2", Options{})

	sender := &fakeSender{}
	if _, err := r.Join(JoinRequest{MemberID: "user-1", Sender: sender}); err != nil {
		t.Fatal(err)
	}

	// Unauthenticated enable attempt drops silently.
	r.Handle("user-1", &protocol.SetControl{Control: protocol.ControlEnabled})
	flush(t, r)
	if got := snapshot(t, r).Members["user-1"].Control; got != protocol.ControlDisabled {
		t.Fatalf("control enabled without password auth: %q", got)
	}
	if sender.count(protocol.TypeMemberUpdated) != 0 {
		t.Error("silent drop leaked a memberUpdated event")
	}

	// Wrong password drops silently too.
	r.Handle("user-1", &protocol.AuthenticatePassword{Password: "wrong"})
	flush(t, r)
	if snapshot(t, r).Members["user-1"].PasswordAuthenticated {
		t.Fatal("wrong password accepted")
	}

	// Correct password authenticates and grants control in one step.
	r.Handle("user-1", &protocol.ConnectHbUser{HbID: "hb-77"})
	r.Handle("user-1", &protocol.AuthenticatePassword{Password: "hunter2"})
	flush(t, r)
	m := snapshot(t, r).Members["user-1"]
	if !m.PasswordAuthenticated {
		t.Fatal("correct password not accepted")
	}
	if m.Control != protocol.ControlEnabled {
		t.Errorf("control after auth: got %q, want enabled", m.Control)
	}

	// The provider permission update runs off the loop.
	deadline := time.After(time.Second)
	for len(fp.permTargets()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no permission call reached the provider")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := fp.permTargets()[0]; got != "hb-77" {
		t.Errorf("permission target: got %q, want hb-77", got)
	}
}

func TestGuestLeavesImmediatelyMemberRetained(t *testing.T) {
	r, _ := newTestRoom(t, "", Options{})

	guestConn, err := r.Join(JoinRequest{MemberID: "guest:dev-1", Guest: true, Sender: &fakeSender{}})
	if err != nil {
		t.Fatal(err)
	}
	memberConn, err := r.Join(JoinRequest{MemberID: "user-1", Sender: &fakeSender{}})
	if err != nil {
		t.Fatal(err)
	}

	r.Leave(guestConn)
	r.Leave(memberConn)
	flush(t, r)

	snap := snapshot(t, r)
	if _, ok := snap.Members["guest:dev-1"]; ok {
		t.Error("guest retained after last connection dropped")
	}
	m, ok := snap.Members["user-1"]
	if !ok {
		t.Fatal("authenticated member removed before grace expired")
	}
	if m.Connected {
		t.Error("disconnected member still marked connected")
	}
}

func TestMemberRemovedAfterGrace(t *testing.T) {
	r, _ := newTestRoom(t, "", Options{MemberGrace: time.Minute})

	connID, err := r.Join(JoinRequest{MemberID: "user-1", Sender: &fakeSender{}})
	if err != nil {
		t.Fatal(err)
	}
	r.Leave(connID)
	flush(t, r)

	r.enqueue(func() { r.housekeep(time.Now().Add(2 * time.Minute)) })
	flush(t, r)

	if _, ok := snapshot(t, r).Members["user-1"]; ok {
		t.Error("member survived past the grace window")
	}
}

func TestEmptyRoomFiresDisposalCallback(t *testing.T) {
	emptied := make(chan string, 1)
	r, _ := newTestRoom(t, "", Options{
		EmptyTimeout: time.Minute,
		OnEmpty:      func(id string) { emptied <- id },
	})

	connID, err := r.Join(JoinRequest{MemberID: "guest:dev-1", Guest: true, Sender: &fakeSender{}})
	if err != nil {
		t.Fatal(err)
	}
	r.Leave(connID)
	flush(t, r)

	r.enqueue(func() { r.housekeep(time.Now().Add(2 * time.Minute)) })
	r.enqueue(func() { r.housekeep(time.Now().Add(3 * time.Minute)) })
	flush(t, r)

	select {
	case id := <-emptied:
		if id != r.ID() {
			t.Errorf("disposal callback for wrong room: %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("empty room never triggered disposal")
	}

	// The callback must fire exactly once.
	select {
	case <-emptied:
		t.Fatal("disposal callback fired twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestReconnectCancelsEmptyTimer(t *testing.T) {
	emptied := make(chan string, 1)
	r, _ := newTestRoom(t, "", Options{
		EmptyTimeout: time.Minute,
		OnEmpty:      func(id string) { emptied <- id },
	})

	connID, err := r.Join(JoinRequest{MemberID: "user-1", Sender: &fakeSender{}})
	if err != nil {
		t.Fatal(err)
	}
	r.Leave(connID)
	flush(t, r)

	if _, err := r.Join(JoinRequest{MemberID: "user-1", Sender: &fakeSender{}}); err != nil {
		t.Fatal(err)
	}

	r.enqueue(func() { r.housekeep(time.Now().Add(2 * time.Minute)) })
	flush(t, r)

	select {
	case <-emptied:
		t.Fatal("disposal fired despite reconnect")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPatchBroadcastsSnapshotWhenDirty(t *testing.T) {
	r, _ := newTestRoom(t, "", Options{PatchInterval: 5 * time.Millisecond})

	sender := &fakeSender{}
	if _, err := r.Join(JoinRequest{MemberID: "user-1", Sender: sender}); err != nil {
		t.Fatal(err)
	}
	base := sender.count(protocol.TypeRoomState)

	r.Handle("user-1", &protocol.SetCursor{X: 0.4, Y: 0.6})
	flush(t, r)

	deadline := time.After(time.Second)
	for sender.count(protocol.TypeRoomState) == base {
		select {
		case <-deadline:
			t.Fatal("no snapshot broadcast after cursor change")
		case <-time.After(5 * time.Millisecond):
		}
	}

	payload, _ := sender.last(protocol.TypeRoomState)
	var snap protocol.RoomState
	if err := json.Unmarshal(payload, &snap); err != nil {
		t.Fatal(err)
	}
	if c := snap.Members["user-1"].Cursor; c.X != 0.4 || c.Y != 0.6 {
		t.Errorf("cursor in snapshot: got (%v, %v)", c.X, c.Y)
	}
}

func TestChannelMessageDelivery(t *testing.T) {
	r, _ := newTestRoom(t, "", Options{})

	sender := &fakeSender{}
	if _, err := r.Join(JoinRequest{MemberID: "user-1", Sender: sender}); err != nil {
		t.Fatal(err)
	}

	r.DeliverChannelMessage(protocol.ChannelMessage{
		ChannelID: "chan-1",
		Author:    "relay",
		Content:   json.RawMessage(`{"text":"hello"}`),
	})
	flush(t, r)

	payload, ok := sender.last(protocol.TypeChannelMessage)
	if !ok {
		t.Fatal("channel message not delivered")
	}
	var msg protocol.ChannelMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.ChannelID != "chan-1" || string(msg.Content) != `{"text":"hello"}` {
		t.Errorf("unexpected channel message: %+v", msg)
	}
}

func TestJoinAfterClose(t *testing.T) {
	r, _ := newTestRoom(t, "", Options{})
	r.Close("shutting down")

	if _, err := r.Join(JoinRequest{MemberID: "user-1", Sender: &fakeSender{}}); !errors.Is(err, ErrRoomClosed) {
		t.Errorf("expected ErrRoomClosed, got %v", err)
	}
}

func TestCloseNotifiesConnections(t *testing.T) {
	r, _ := newTestRoom(t, "", Options{})

	sender := &fakeSender{}
	if _, err := r.Join(JoinRequest{MemberID: "user-1", Sender: sender}); err != nil {
		t.Fatal(err)
	}

	r.Close("disposed")

	if sender.count(protocol.TypeRoomClosed) == 0 {
		t.Error("no roomClosed message on close")
	}
}
