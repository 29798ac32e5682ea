package realtime

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeVerifier grants membership from a credential -> tribes table. When gate is set,
// calls block until it is closed (or ctx ends, unless ignoreCtx).
type fakeVerifier struct {
	mu        sync.Mutex
	members   map[string]map[string]bool
	err       error
	gate      chan struct{}
	entered   chan struct{}
	ignoreCtx bool
	calls     int
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{members: make(map[string]map[string]bool)}
}

func (f *fakeVerifier) grant(credential string, tribes ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[credential] == nil {
		f.members[credential] = make(map[string]bool)
	}
	for _, t := range tribes {
		f.members[credential][t] = true
	}
}

func (f *fakeVerifier) VerifyMembership(ctx context.Context, credential, tribeID string) (bool, error) {
	f.mu.Lock()
	f.calls++
	gate, entered, ignoreCtx := f.gate, f.entered, f.ignoreCtx
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		if ignoreCtx {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.members[credential]; !ok {
		return false, ErrInvalidCredential
	}
	return f.members[credential][tribeID], nil
}

func connect(t *testing.T, h *Hub, userID, token string) *Client {
	t.Helper()
	c := newClient(userID, token, 16, zap.NewNop())
	require.NoError(t, h.Connect(c))
	return c
}

func recv(t *testing.T, c *Client) WSMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.ID)
		return WSMessage{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("client %s unexpectedly received %s: %s", c.ID, msg.Event, msg.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func recvError(t *testing.T, c *Client) ErrorPayload {
	t.Helper()
	msg := recv(t, c)
	require.Equal(t, EventError, msg.Event)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &p))
	return p
}

func TestJoinAdmitsMember(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	h := NewHub(zap.NewNop(), v, nil, nil)
	c1 := connect(t, h, "u1", "alice")

	assert.Equal(t, JoinAdmitted, h.Join(c1, "tribe-42", "alice"))
	assert.True(t, h.IsMember(c1.ID, "tribe-42"))
	assert.Equal(t, []string{c1.ID}, h.Members("tribe-42"))
	assert.Equal(t, []string{"tribe-42"}, h.Rooms(c1.ID))
	assertSilent(t, c1)
}

func TestJoinDeniesNonMember(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	v.grant("bob", "tribe-7")
	h := NewHub(zap.NewNop(), v, nil, nil)
	c2 := connect(t, h, "u2", "bob")

	assert.Equal(t, JoinDenied, h.Join(c2, "tribe-42", "bob"))
	assert.False(t, h.IsMember(c2.ID, "tribe-42"))
	assert.Zero(t, h.RoomSize("tribe-42"))

	p := recvError(t, c2)
	assert.Equal(t, CodeForbidden, p.Code)
	assert.NotEmpty(t, p.Reason)
}

func TestJoinFailsClosed(t *testing.T) {
	tests := []struct {
		name       string
		credential string
		verifier   func() Verifier
		code       string
	}{
		{"unknown credential", "mallory", func() Verifier { return newFakeVerifier() }, CodeUnauthorized},
		{"empty credential", "", func() Verifier { return newFakeVerifier() }, CodeUnauthorized},
		{"store down", "alice", func() Verifier {
			v := newFakeVerifier()
			v.grant("alice", "tribe-42")
			v.err = assert.AnError
			return v
		}, CodeUnavailable},
		{"unknown tribe", "alice", func() Verifier {
			v := newFakeVerifier()
			v.err = ErrUnknownTribe
			return v
		}, CodeNotFound},
		{"no verifier", "alice", func() Verifier { return nil }, CodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHub(zap.NewNop(), tt.verifier(), nil, nil)
			c := connect(t, h, "u", tt.credential)

			assert.Equal(t, JoinDenied, h.Join(c, "tribe-42", tt.credential))
			assert.False(t, h.IsMember(c.ID, "tribe-42"))
			assert.Equal(t, tt.code, recvError(t, c).Code)
		})
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	h := NewHub(zap.NewNop(), v, nil, nil)
	c := connect(t, h, "u1", "alice")

	require.Equal(t, JoinAdmitted, h.Join(c, "tribe-42", "alice"))
	require.Equal(t, JoinAdmitted, h.Join(c, "tribe-42", "alice"))
	assert.Equal(t, 1, h.RoomSize("tribe-42"))
	assert.Equal(t, 1, v.calls)
}

func TestLeaveIsIdempotent(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	h := NewHub(zap.NewNop(), v, nil, nil)
	c := connect(t, h, "u1", "alice")
	other := connect(t, h, "u2", "alice")
	require.Equal(t, JoinAdmitted, h.Join(other, "tribe-42", "alice"))

	h.Leave(c.ID, "tribe-42")
	h.Leave(c.ID, "tribe-7")
	h.Leave("no-such-conn", "tribe-42")

	assert.Equal(t, []string{other.ID}, h.Members("tribe-42"))
	assert.Empty(t, h.Rooms(c.ID))
	assertSilent(t, c)

	require.Equal(t, JoinAdmitted, h.Join(c, "tribe-42", "alice"))
	h.Leave(c.ID, "tribe-42")
	h.Leave(c.ID, "tribe-42")
	assert.Equal(t, []string{other.ID}, h.Members("tribe-42"))
}

func TestDisconnectCleansAllRooms(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-1", "tribe-2", "tribe-3")
	h := NewHub(zap.NewNop(), v, nil, nil)
	c := connect(t, h, "u1", "alice")
	for _, tribe := range []string{"tribe-1", "tribe-2", "tribe-3"} {
		require.Equal(t, JoinAdmitted, h.Join(c, tribe, "alice"))
	}

	h.Disconnect(c.ID)
	h.Disconnect(c.ID)

	for _, tribe := range []string{"tribe-1", "tribe-2", "tribe-3"} {
		assert.False(t, h.IsMember(c.ID, tribe))
	}
	assert.Zero(t, h.RoomCount())
	assert.Zero(t, h.ConnectionCount())
	assert.ErrorIs(t, c.enqueue(WSMessage{Event: "x"}), ErrConnectionClosed)
	assert.Equal(t, JoinDiscarded, h.Join(c, "tribe-1", "alice"))
}

func TestScopedDelivery(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	v.grant("carol", "tribe-42")
	v.grant("dave", "tribe-7")
	h := NewHub(zap.NewNop(), v, nil, nil)
	relay := NewChatRelay(h, nil, nil)

	c1 := connect(t, h, "u1", "alice")
	c3 := connect(t, h, "u3", "carol")
	c4 := connect(t, h, "u4", "dave")
	require.Equal(t, JoinAdmitted, h.Join(c1, "tribe-42", "alice"))
	require.Equal(t, JoinAdmitted, h.Join(c3, "tribe-42", "carol"))
	require.Equal(t, JoinAdmitted, h.Join(c4, "tribe-7", "dave"))

	user := json.RawMessage(`{"username":"alice"}`)
	require.NoError(t, relay.SendChatMessage(c1.ID, "tribe-42", "hello", user))

	for _, c := range []*Client{c1, c3} {
		msg := recv(t, c)
		assert.Equal(t, EventRoomChatMessage, msg.Event)
		var got ChatMessage
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "hello", got.Message)
		assert.Equal(t, "tribe-42", got.TribeID)
		assert.JSONEq(t, `{"username":"alice"}`, string(got.User))
	}
	assertSilent(t, c4)
}

func TestNoDeliveryToLateJoiner(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	h := NewHub(zap.NewNop(), v, nil, nil)
	relay := NewChatRelay(h, nil, nil)
	c1 := connect(t, h, "u1", "alice")
	c2 := connect(t, h, "u2", "alice")
	require.Equal(t, JoinAdmitted, h.Join(c1, "tribe-42", "alice"))

	require.NoError(t, relay.SendChatMessage(c1.ID, "tribe-42", "before", nil))
	require.Equal(t, JoinAdmitted, h.Join(c2, "tribe-42", "alice"))

	assert.Equal(t, EventRoomChatMessage, recv(t, c1).Event)
	assertSilent(t, c2)
}

func TestSendToEmptyRoomIsNoop(t *testing.T) {
	h := NewHub(zap.NewNop(), newFakeVerifier(), nil, nil)
	relay := NewChatRelay(h, nil, nil)
	c := connect(t, h, "u1", "alice")

	assert.NoError(t, relay.SendChatMessage(c.ID, "tribe-42", "anyone?", nil))
	assert.Zero(t, h.BroadcastToRoom("tribe-42", EventRoomChatMessage, "x"))
	assertSilent(t, c)
}

func TestLeftMemberCanStillSend(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	v.grant("carol", "tribe-42")
	h := NewHub(zap.NewNop(), v, nil, nil)
	relay := NewChatRelay(h, nil, nil)
	c1 := connect(t, h, "u1", "alice")
	c3 := connect(t, h, "u3", "carol")
	require.Equal(t, JoinAdmitted, h.Join(c1, "tribe-42", "alice"))
	require.Equal(t, JoinAdmitted, h.Join(c3, "tribe-42", "carol"))

	h.Leave(c1.ID, "tribe-42")
	require.False(t, h.IsMember(c1.ID, "tribe-42"))
	require.NoError(t, relay.SendChatMessage(c1.ID, "tribe-42", "still here", nil))

	var got ChatMessage
	require.NoError(t, json.Unmarshal(recv(t, c3).Data, &got))
	assert.Equal(t, "still here", got.Message)
	assertSilent(t, c1)
}

func TestDisconnectWinsOverPendingJoin(t *testing.T) {
	for _, ignoreCtx := range []bool{false, true} {
		name := "verifier honours cancellation"
		if ignoreCtx {
			name = "verifier ignores cancellation"
		}
		t.Run(name, func(t *testing.T) {
			v := newFakeVerifier()
			v.grant("alice", "tribe-42")
			v.gate = make(chan struct{})
			v.entered = make(chan struct{}, 1)
			v.ignoreCtx = ignoreCtx
			h := NewHub(zap.NewNop(), v, nil, nil)
			c := connect(t, h, "u1", "alice")

			result := make(chan JoinOutcome, 1)
			go func() { result <- h.Join(c, "tribe-42", "alice") }()
			<-v.entered

			h.Disconnect(c.ID)
			close(v.gate)

			assert.Equal(t, JoinDiscarded, <-result)
			assert.False(t, h.IsMember(c.ID, "tribe-42"))
			assert.Zero(t, h.RoomSize("tribe-42"))
		})
	}
}

func TestLeaveWinsOverPendingJoin(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	v.gate = make(chan struct{})
	v.entered = make(chan struct{}, 1)
	h := NewHub(zap.NewNop(), v, nil, nil)
	c := connect(t, h, "u1", "alice")

	result := make(chan JoinOutcome, 1)
	go func() { result <- h.Join(c, "tribe-42", "alice") }()
	<-v.entered

	h.Leave(c.ID, "tribe-42")
	close(v.gate)

	assert.Equal(t, JoinDiscarded, <-result)
	assert.False(t, h.IsMember(c.ID, "tribe-42"))
	assertSilent(t, c)
}

func TestLatestJoinIntentWins(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	v.gate = make(chan struct{})
	v.entered = make(chan struct{}, 2)
	h := NewHub(zap.NewNop(), v, nil, nil)
	c := connect(t, h, "u1", "alice")

	first := make(chan JoinOutcome, 1)
	second := make(chan JoinOutcome, 1)
	go func() { first <- h.Join(c, "tribe-42", "alice") }()
	<-v.entered
	go func() { second <- h.Join(c, "tribe-42", "alice") }()
	<-v.entered
	close(v.gate)

	assert.Equal(t, JoinDiscarded, <-first)
	assert.Equal(t, JoinAdmitted, <-second)
	assert.Equal(t, 1, h.RoomSize("tribe-42"))
}

func TestJoinTimesOut(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	v.gate = make(chan struct{})
	h := NewHub(zap.NewNop(), v, nil, nil)
	h.SetJoinTimeout(20 * time.Millisecond)
	c := connect(t, h, "u1", "alice")

	assert.Equal(t, JoinDenied, h.Join(c, "tribe-42", "alice"))
	assert.False(t, h.IsMember(c.ID, "tribe-42"))
	p := recvError(t, c)
	assert.Equal(t, CodeUnavailable, p.Code)
	assert.Equal(t, "membership check timed out", p.Reason)
}

func TestFullRecipientDoesNotBlockOthers(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	h := NewHub(zap.NewNop(), v, nil, nil)

	slow := newClient("slow", "alice", 1, zap.NewNop())
	require.NoError(t, h.Connect(slow))
	fast := connect(t, h, "fast", "alice")
	closed := connect(t, h, "gone", "alice")
	for _, c := range []*Client{slow, fast, closed} {
		require.Equal(t, JoinAdmitted, h.Join(c, "tribe-42", "alice"))
	}
	closed.close()

	assert.Equal(t, 2, h.BroadcastToRoom("tribe-42", "tick", map[string]int{"n": 1}))
	assert.Equal(t, 1, h.BroadcastToRoom("tribe-42", "tick", map[string]int{"n": 2}))

	assert.Equal(t, "tick", recv(t, fast).Event)
	assert.Equal(t, "tick", recv(t, fast).Event)
	assert.Equal(t, "tick", recv(t, slow).Event)
	assertSilent(t, slow)
}

func TestSenderOrderingPreserved(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	h := NewHub(zap.NewNop(), v, nil, nil)
	relay := NewChatRelay(h, nil, nil)
	sender := connect(t, h, "u1", "alice")
	reader := connect(t, h, "u2", "alice")
	require.Equal(t, JoinAdmitted, h.Join(reader, "tribe-42", "alice"))

	for _, m := range []string{"one", "two", "three"} {
		require.NoError(t, relay.SendChatMessage(sender.ID, "tribe-42", m, nil))
	}
	for _, want := range []string{"one", "two", "three"} {
		var got ChatMessage
		require.NoError(t, json.Unmarshal(recv(t, reader).Data, &got))
		assert.Equal(t, want, got.Message)
	}
}

func TestShutdownDisconnectsEveryone(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	h := NewHub(zap.NewNop(), v, nil, nil)
	c := connect(t, h, "u1", "alice")
	require.Equal(t, JoinAdmitted, h.Join(c, "tribe-42", "alice"))

	h.Shutdown()

	assert.Zero(t, h.ConnectionCount())
	assert.Zero(t, h.RoomCount())
	assert.ErrorIs(t, h.Connect(newClient("u2", "", 1, zap.NewNop())), ErrHubClosed)
}

// gatedSubscriber holds SubscribeRoom until gate is closed and counts cancellations.
type gatedSubscriber struct {
	entered   chan string
	gate      chan struct{}
	mu        sync.Mutex
	cancelled map[string]int
}

func newGatedSubscriber() *gatedSubscriber {
	return &gatedSubscriber{
		entered:   make(chan string, 4),
		gate:      make(chan struct{}),
		cancelled: make(map[string]int),
	}
}

func (s *gatedSubscriber) SubscribeRoom(tribeID string, _ func(string, []byte)) (func(), error) {
	s.entered <- tribeID
	<-s.gate
	return func() {
		s.mu.Lock()
		s.cancelled[tribeID]++
		s.mu.Unlock()
	}, nil
}

func (s *gatedSubscriber) SubscribeGlobal(func(string, []byte)) (func(), error) {
	return func() {}, nil
}

func (s *gatedSubscriber) cancelCount(tribeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[tribeID]
}

func TestRoomUsableWhileSubscriptionPending(t *testing.T) {
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	sub := newGatedSubscriber()
	h := NewHub(zap.NewNop(), v, nil, sub)
	c1 := connect(t, h, "u1", "alice")

	done := make(chan JoinOutcome, 1)
	go func() { done <- h.Join(c1, "tribe-42", "alice") }()
	select {
	case <-sub.entered:
	case <-time.After(time.Second):
		t.Fatal("room subscription never started")
	}

	assert.True(t, h.IsMember(c1.ID, "tribe-42"))
	assert.Equal(t, 1, h.BroadcastToRoom("tribe-42", "ping", json.RawMessage(`{}`)))
	assert.Equal(t, "ping", recv(t, c1).Event)
	h.Leave(c1.ID, "tribe-42")
	assert.Zero(t, h.RoomSize("tribe-42"))

	close(sub.gate)
	select {
	case outcome := <-done:
		assert.Equal(t, JoinAdmitted, outcome)
	case <-time.After(time.Second):
		t.Fatal("join did not return")
	}
	// The room closed before the subscription landed, so it must not linger.
	assert.Equal(t, 1, sub.cancelCount("tribe-42"))
}

func TestStalledRedisDoesNotBlockHub(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		connsMu sync.Mutex
		conns   []net.Conn
	)
	accepted := make(chan struct{}, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			connsMu.Lock()
			conns = append(conns, conn)
			connsMu.Unlock()
			select {
			case accepted <- struct{}{}:
			default:
			}
		}
	}()
	closeServer := func() {
		_ = ln.Close()
		connsMu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		connsMu.Unlock()
	}
	t.Cleanup(closeServer)

	rdb := redis.NewClient(&redis.Options{Addr: ln.Addr().String(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	v := newFakeVerifier()
	v.grant("alice", "tribe-42")
	h := NewHub(zap.NewNop(), v, nil, NewRedisPubSub(rdb, zap.NewNop()))
	c1 := connect(t, h, "u1", "alice")
	connect(t, h, "u2", "bob")

	joined := make(chan JoinOutcome, 1)
	go func() { joined <- h.Join(c1, "tribe-42", "alice") }()
	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("hub never reached redis")
	}

	free := make(chan struct{})
	go func() {
		h.ConnectionCount()
		h.Leave("other", "tribe-7")
		h.BroadcastAll("ping", json.RawMessage(`{}`))
		close(free)
	}()
	select {
	case <-free:
	case <-time.After(time.Second):
		t.Fatal("hub operations blocked behind a stalled redis subscribe")
	}
	assert.True(t, h.IsMember(c1.ID, "tribe-42"))

	// The subscribe fails once redis goes away; the member stays admitted for local delivery.
	closeServer()
	select {
	case outcome := <-joined:
		assert.Equal(t, JoinAdmitted, outcome)
	case <-time.After(10 * time.Second):
		t.Fatal("join did not return after redis closed")
	}
	assert.True(t, h.IsMember(c1.ID, "tribe-42"))
}

func TestJoinHidesVerifierPanic(t *testing.T) {
	v := verifierFunc(func(context.Context, string, string) (bool, error) {
		panic("dial tcp 10.0.0.7:5432: connect: connection refused")
	})
	h := NewHub(zap.NewNop(), v, nil, nil)
	c1 := connect(t, h, "u1", "alice")

	assert.Equal(t, JoinDenied, h.Join(c1, "tribe-42", "alice"))
	p := recvError(t, c1)
	assert.Equal(t, CodeInternal, p.Code)
	assert.Equal(t, "membership check failed", p.Reason)
}
