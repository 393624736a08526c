package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesunnysinha/collabflow/backend/internal/collab"
	"github.com/thesunnysinha/collabflow/backend/internal/room"
)

type submitCall struct {
	origin string
	docID  string
	fields collab.Fields
	onErr  func(error)
}

type fakeRelay struct {
	mu      sync.Mutex
	submits []submitCall
	flushes []string
	err     error
}

func (r *fakeRelay) Submit(_ context.Context, origin, docID string, fields collab.Fields, onErr func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.submits = append(r.submits, submitCall{origin: origin, docID: docID, fields: fields, onErr: onErr})
	return nil
}

func (r *fakeRelay) Flush(origin string) {
	r.mu.Lock()
	r.flushes = append(r.flushes, origin)
	r.mu.Unlock()
}

type staticLookup map[string]bool

func (l staticLookup) Exists(_ context.Context, docID string) (bool, error) {
	if docID == "broken" {
		return false, errors.New("redis down")
	}
	return l[docID], nil
}

func newTestHub(t *testing.T, opt HubOptions) (*Hub, *fakeRelay) {
	t.Helper()
	relay := &fakeRelay{}
	hub := NewHub(room.NewRegistry(8, nil), relay, opt, nil)
	t.Cleanup(hub.CloseAll)
	return hub, relay
}

func drain(c *Conn) []room.Outbound {
	var out []room.Outbound
	for {
		select {
		case m := <-c.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

// lastRoster 取出队列中最后一次成员列表
func lastRoster(t *testing.T, c *Conn) []string {
	t.Helper()
	var names []string
	found := false
	for _, m := range drain(c) {
		if cm, ok := m.(room.CollaboratorsMessage); ok {
			names = make([]string, len(cm.Collaborators))
			for i, e := range cm.Collaborators {
				names[i] = e.Name
			}
			found = true
		}
	}
	require.True(t, found, "no collaborators-update queued")
	return names
}

func lastServerMessage(t *testing.T, c *Conn) ServerMessage {
	t.Helper()
	var (
		last  ServerMessage
		found bool
	)
	for _, m := range drain(c) {
		if sm, ok := m.(ServerMessage); ok {
			last, found = sm, true
		}
	}
	require.True(t, found, "no server message queued")
	return last
}

func TestConnJoinValidation(t *testing.T) {
	hub, _ := newTestHub(t, HubOptions{})
	c := hub.NewConn(nil)
	ctx := context.Background()

	require.ErrorIs(t, c.Join(ctx, "", "Alice"), collab.ErrValidation)
	require.ErrorIs(t, c.Join(ctx, "D1", "   "), collab.ErrValidation)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, hub.Registry().Rooms())
}

func TestConnJoinChecksDocumentExists(t *testing.T) {
	hub, _ := newTestHub(t, HubOptions{Lookup: staticLookup{"D1": true}})
	c := hub.NewConn(nil)
	ctx := context.Background()

	err := c.Join(ctx, "D404", "Alice")
	require.ErrorIs(t, err, collab.ErrNotFound)
	var nf *collab.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "D404", nf.DocumentID)

	require.ErrorIs(t, c.Join(ctx, "broken", "Alice"), collab.ErrTransientInfra)
	require.NoError(t, c.Join(ctx, "D1", "Alice"))
	assert.Equal(t, StateInRoom, c.State())
}

func TestConnStateMachine(t *testing.T) {
	hub, relay := newTestHub(t, HubOptions{})
	c := hub.NewConn(nil)
	ctx := context.Background()

	assert.Equal(t, StateConnected, c.State())
	require.NoError(t, c.Join(ctx, "D1", "Alice"))
	assert.Equal(t, StateInRoom, c.State())
	assert.Equal(t, "D1", c.DocumentID())

	c.Leave(ctx)
	assert.Equal(t, StateConnected, c.State())
	assert.Empty(t, c.DocumentID())
	c.Leave(ctx)
	assert.Equal(t, []string{c.ID()}, relay.flushes)

	require.NoError(t, c.Join(ctx, "D1", "Alice"))
	c.Close()
	c.Close()
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, hub.Registry().Rooms())
	assert.Equal(t, 0, hub.Len())

	require.ErrorIs(t, c.Join(ctx, "D1", "Alice"), ErrDisconnected)
	require.ErrorIs(t, c.SubmitUpdate(ctx, collab.Fields{Content: strp("x")}), ErrDisconnected)
	assert.False(t, c.Deliver(ServerMessage{Type: TypeFeedback}))
}

func TestConnSwitchingRoomsUpdatesBothRosters(t *testing.T) {
	hub, _ := newTestHub(t, HubOptions{})
	ctx := context.Background()
	a, b, x := hub.NewConn(nil), hub.NewConn(nil), hub.NewConn(nil)

	require.NoError(t, a.Join(ctx, "D1", "Alice"))
	require.NoError(t, b.Join(ctx, "D1", "Bob"))
	require.NoError(t, x.Join(ctx, "D2", "Xena"))
	drain(a)
	drain(x)

	require.NoError(t, b.Join(ctx, "D2", "Bob"))
	assert.Equal(t, []string{"Alice"}, lastRoster(t, a))
	assert.Equal(t, []string{"Xena", "Bob"}, lastRoster(t, x))
	assert.Equal(t, []string{"Xena", "Bob"}, lastRoster(t, b))
	assert.Equal(t, []string{"Alice"}, hub.Registry().Snapshot("D1").Names())
}

func TestConnDuplicateIdentitiesAreDistinctMembers(t *testing.T) {
	hub, _ := newTestHub(t, HubOptions{})
	ctx := context.Background()
	tab1, tab2 := hub.NewConn(nil), hub.NewConn(nil)
	require.NoError(t, tab1.Join(ctx, "D1", "Alice"))
	require.NoError(t, tab2.Join(ctx, "D1", "Alice"))
	assert.Equal(t, []string{"Alice", "Alice"}, lastRoster(t, tab1))

	tab2.Close()
	assert.Equal(t, []string{"Alice"}, lastRoster(t, tab1))
}

func TestConnSubmitUpdate(t *testing.T) {
	hub, relay := newTestHub(t, HubOptions{})
	c := hub.NewConn(nil)
	ctx := context.Background()

	require.ErrorIs(t, c.SubmitUpdate(ctx, collab.Fields{Content: strp("x")}), collab.ErrValidation)
	require.NoError(t, c.Join(ctx, "D1", "Alice"))
	require.ErrorIs(t, c.SubmitUpdate(ctx, collab.Fields{}), collab.ErrValidation)
	require.NoError(t, c.SubmitUpdate(ctx, collab.Fields{Title: strp("T")}))

	require.Len(t, relay.submits, 1)
	call := relay.submits[0]
	assert.Equal(t, c.ID(), call.origin)
	assert.Equal(t, "D1", call.docID)
	assert.Equal(t, "T", *call.fields.Title)

	// 发送最终失败，异步回一条 error 事件
	drain(c)
	call.onErr(&collab.TransientInfraError{Op: "produce", Attempts: 6, Err: errors.New("broker unavailable")})
	msg := lastServerMessage(t, c)
	assert.Equal(t, TypeError, msg.Type)
	assert.Contains(t, msg.Message, "broker unavailable")
}

func TestConnSubmitRejectedByRelaySurfacesAsErrorEvent(t *testing.T) {
	hub, relay := newTestHub(t, HubOptions{})
	c := hub.NewConn(nil)
	require.NoError(t, c.Join(context.Background(), "D1", "Alice"))
	drain(c)

	relay.err = &collab.TransientInfraError{Op: "admit", Attempts: 1, Err: context.DeadlineExceeded}
	err := c.SubmitUpdate(context.Background(), collab.Fields{Content: strp("x")})
	require.ErrorIs(t, err, collab.ErrTransientInfra)

	relay.err = &collab.ValidationError{Field: "fields", Reason: "update too large: 2000000 bytes, limit 1000000"}
	c.HandleMessage([]byte(`{"type":"document-update","content":"x"}`))
	msg := lastServerMessage(t, c)
	assert.Equal(t, TypeError, msg.Type)
	assert.Contains(t, msg.Message, "too large")
	assert.Equal(t, StateInRoom, c.State())
}

func TestConnHandleMessage(t *testing.T) {
	hub, relay := newTestHub(t, HubOptions{})
	c := hub.NewConn(nil)

	c.HandleMessage([]byte(`{"type":"heartbeat"}`))
	assert.Equal(t, ServerMessage{Type: TypeFeedback, Message: "heartbeat received"}, lastServerMessage(t, c))

	c.HandleMessage([]byte(`{not json`))
	assert.Equal(t, TypeError, lastServerMessage(t, c).Type)

	c.HandleMessage([]byte(`{"type":"rename-document"}`))
	msg := lastServerMessage(t, c)
	assert.Equal(t, TypeError, msg.Type)
	assert.Contains(t, msg.Message, "unknown message type")

	c.HandleMessage([]byte(`{"type":"document-update","content":"early"}`))
	assert.Equal(t, TypeError, lastServerMessage(t, c).Type)

	c.HandleMessage([]byte(`{"type":"join-document","documentId":"D1","userName":"Alice"}`))
	assert.Equal(t, []string{"Alice"}, lastRoster(t, c))

	c.HandleMessage([]byte(`{"type":"document-update","content":"hello","theme":""}`))
	require.Len(t, relay.submits, 1)
	assert.Equal(t, "hello", *relay.submits[0].fields.Content)
	require.NotNil(t, relay.submits[0].fields.Theme)
	assert.Nil(t, relay.submits[0].fields.Title)

	c.HandleMessage([]byte(`{"type":"leave-document"}`))
	assert.Equal(t, StateConnected, c.State())
}

func TestConnDeliverDropsWhenQueueFull(t *testing.T) {
	hub, _ := newTestHub(t, HubOptions{SendBuffer: 2})
	c := hub.NewConn(nil)
	assert.True(t, c.Deliver(ServerMessage{Type: TypeFeedback}))
	assert.True(t, c.Deliver(ServerMessage{Type: TypeFeedback}))
	assert.False(t, c.Deliver(ServerMessage{Type: TypeFeedback}))
}

func TestConnJoinRacingCloseLeavesNoStaleMember(t *testing.T) {
	hub, _ := newTestHub(t, HubOptions{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		c := hub.NewConn(nil)
		doc := fmt.Sprintf("D%d", i%5)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Join(ctx, doc, "user")
		}()
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		assert.Empty(t, hub.Registry().Snapshot(fmt.Sprintf("D%d", i)).Members)
	}
	assert.Equal(t, 0, hub.Registry().Rooms())
	assert.Equal(t, 0, hub.Len())
}

func TestConnConcurrentSessionsMembershipMatchesJoined(t *testing.T) {
	hub, _ := newTestHub(t, HubOptions{})
	ctx := context.Background()

	conns := make([]*Conn, 40)
	for i := range conns {
		conns[i] = hub.NewConn(nil)
	}
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *Conn) {
			defer wg.Done()
			assert.NoError(t, c.Join(ctx, "D1", fmt.Sprintf("u%d", i)))
			if i%2 == 0 {
				c.Close()
			}
		}(i, c)
	}
	wg.Wait()

	snap := hub.Registry().Snapshot("D1")
	require.Len(t, snap.Members, 20)
	ids := map[string]bool{}
	for _, e := range snap.Members {
		ids[e.ID] = true
	}
	for i, c := range conns {
		assert.Equal(t, i%2 == 1, ids[c.ID()], "conn %d", i)
	}
}

func strp(s string) *string { return &s }
