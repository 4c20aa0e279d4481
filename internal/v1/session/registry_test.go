package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentroom/agentroom/internal/v1/protocol"
)

type fakeConn struct {
	mu          sync.Mutex
	sent        []*protocol.Envelope
	closed      bool
	closeCode   int
	closeReason string
}

func (c *fakeConn) Send(env *protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func TestRegisterCreatesUnauthenticatedSession(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}

	s := r.Register(conn)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, s.ID, s.Name)
	assert.False(t, s.Authenticated)
	assert.Equal(t, 0, s.Rooms.Len())

	got, ok := r.GetByConn(conn)
	require.True(t, ok)
	assert.Same(t, s, got)

	got, ok = r.GetByID(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	// Name lookup only works after authentication.
	_, ok = r.GetByName(s.ID)
	assert.False(t, ok)
}

func TestAuthenticateFreshName(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	s := r.Register(conn)

	res := r.Authenticate(conn, "Alice", "")

	require.True(t, res.OK)
	assert.Equal(t, s.ID, res.UserID)
	assert.Equal(t, "Alice", res.Name)
	assert.NotEmpty(t, res.Token)
	assert.False(t, res.Reconnected)

	got, ok := r.GetByName("Alice")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.True(t, s.Authenticated)
	assert.Equal(t, 1, r.AuthenticatedCount())
}

func TestAuthenticateEmptyNameRejected(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	r.Register(conn)

	res := r.Authenticate(conn, "", "")
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
}

func TestAuthenticateNameConflictWithoutToken(t *testing.T) {
	r := NewRegistry()
	connA := &fakeConn{}
	r.Register(connA)
	require.True(t, r.Authenticate(connA, "Alice", "").OK)

	connB := &fakeConn{}
	r.Register(connB)
	res := r.Authenticate(connB, "Alice", "")

	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "already taken")
	assert.True(t, connA.Open(), "original connection must stay open")
}

func TestAuthenticateNameConflictWithWrongToken(t *testing.T) {
	r := NewRegistry()
	connA := &fakeConn{}
	r.Register(connA)
	require.True(t, r.Authenticate(connA, "Alice", "").OK)

	connB := &fakeConn{}
	r.Register(connB)
	res := r.Authenticate(connB, "Alice", "not-the-token")

	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "Invalid reconnect token")
	assert.True(t, connA.Open())
}

func TestAuthenticateTakeover(t *testing.T) {
	r := NewRegistry()
	connA := &fakeConn{}
	sA := r.Register(connA)
	first := r.Authenticate(connA, "Alice", "")
	require.True(t, first.OK)
	r.JoinRoom(sA.ID, "general")
	r.JoinRoom(sA.ID, "dev")

	connB := &fakeConn{}
	sB := r.Register(connB)
	res := r.Authenticate(connB, "Alice", first.Token)

	require.True(t, res.OK)
	assert.True(t, res.Reconnected)
	assert.Equal(t, sB.ID, res.UserID)
	assert.Equal(t, sA.ID, res.PreviousSessionID)
	assert.ElementsMatch(t, []string{"general", "dev"}, res.RestoredRooms)
	assert.Equal(t, first.Token, res.Token, "token is immutable across reconnects")

	// Old connection closed with the takeover code.
	assert.False(t, connA.Open())
	assert.Equal(t, protocol.CloseTakeover, connA.closeCode)
	assert.Equal(t, protocol.TakeoverReason, connA.closeReason)

	// Old session fully evicted from the indexes.
	_, ok := r.GetByID(sA.ID)
	assert.False(t, ok)
	got, ok := r.GetByName("Alice")
	require.True(t, ok)
	assert.Same(t, sB, got)
	assert.Equal(t, 1, r.AuthenticatedCount())
}

func TestAuthenticateRestoreAfterDisconnect(t *testing.T) {
	r := NewRegistry()
	connA := &fakeConn{}
	sA := r.Register(connA)
	first := r.Authenticate(connA, "Alice", "")
	require.True(t, first.OK)
	r.JoinRoom(sA.ID, "general")

	// Disconnect: identity survives with the room snapshot.
	r.Remove(connA)
	assert.Equal(t, 0, r.Count())

	connB := &fakeConn{}
	r.Register(connB)
	res := r.Authenticate(connB, "Alice", first.Token)

	require.True(t, res.OK)
	assert.True(t, res.Reconnected)
	assert.Equal(t, []string{"general"}, res.RestoredRooms)
	assert.Equal(t, first.Token, res.Token)
}

func TestAuthenticateStaleIdentityReplacedWithoutToken(t *testing.T) {
	r := NewRegistry()
	connA := &fakeConn{}
	r.Register(connA)
	first := r.Authenticate(connA, "Alice", "")
	require.True(t, first.OK)
	r.Remove(connA)

	// No token presented: fresh assignment with a new token.
	connB := &fakeConn{}
	r.Register(connB)
	res := r.Authenticate(connB, "Alice", "")

	require.True(t, res.OK)
	assert.False(t, res.Reconnected)
	assert.NotEqual(t, first.Token, res.Token)

	// The old token no longer works elsewhere.
	connC := &fakeConn{}
	r.Register(connC)
	conflict := r.Authenticate(connC, "Alice", first.Token)
	assert.False(t, conflict.OK)
}

func TestAuthenticateOfflineWrongToken(t *testing.T) {
	r := NewRegistry()
	connA := &fakeConn{}
	r.Register(connA)
	require.True(t, r.Authenticate(connA, "Alice", "").OK)
	r.Remove(connA)

	connB := &fakeConn{}
	r.Register(connB)
	res := r.Authenticate(connB, "Alice", "bogus")

	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "Invalid reconnect token")
}

func TestReauthSameConnection(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	r.Register(conn)
	first := r.Authenticate(conn, "Alice", "")
	require.True(t, first.OK)

	// Same name again is a no-op.
	again := r.Authenticate(conn, "Alice", "")
	require.True(t, again.OK)
	assert.Equal(t, first.Token, again.Token)

	// A different name on an authenticated connection is rejected.
	other := r.Authenticate(conn, "Bob", "")
	assert.False(t, other.OK)
	assert.Contains(t, other.Error, "Already authenticated")
}

func TestRemoveSnapshotsRoomsIntoIdentity(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	s := r.Register(conn)
	require.True(t, r.Authenticate(conn, "Alice", "").OK)
	r.JoinRoom(s.ID, "general")
	r.LeaveRoom(s.ID, "general")
	r.JoinRoom(s.ID, "random")

	r.Remove(conn)

	identity := r.identities["Alice"]
	require.NotNil(t, identity)
	assert.ElementsMatch(t, []string{"random"}, identity.Rooms.UnsortedList())

	// Remove is idempotent.
	assert.Nil(t, r.Remove(conn))
}

func TestJoinLeaveRoomUnknownSessionIsNoop(t *testing.T) {
	r := NewRegistry()
	r.JoinRoom("nope", "general")
	r.LeaveRoom("nope", "general")
}

func TestListOnlineOrderedByName(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"carol", "alice", "bob"} {
		conn := &fakeConn{}
		r.Register(conn)
		require.True(t, r.Authenticate(conn, name, "").OK)
	}

	// An unauthenticated connection is not listed.
	r.Register(&fakeConn{})

	online := r.ListOnline()
	require.Len(t, online, 3)
	assert.Equal(t, "alice", online[0].Name)
	assert.Equal(t, "bob", online[1].Name)
	assert.Equal(t, "carol", online[2].Name)

	assert.Equal(t, 4, r.Count())
	assert.Equal(t, 3, r.AuthenticatedCount())
}

func TestIndexInvariants(t *testing.T) {
	r := NewRegistry()
	conns := make([]*fakeConn, 5)
	for i := range conns {
		conns[i] = &fakeConn{}
		r.Register(conns[i])
	}
	require.True(t, r.Authenticate(conns[0], "a", "").OK)
	require.True(t, r.Authenticate(conns[1], "b", "").OK)
	r.Remove(conns[2])

	// byConn and byID agree; byName holds exactly the authenticated set.
	assert.Equal(t, len(r.byConn), len(r.byID))
	for _, s := range r.byID {
		assert.Equal(t, s.Authenticated, r.byName[s.Name] == s)
	}
}
