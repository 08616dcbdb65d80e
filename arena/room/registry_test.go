package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"arenaserver/arena/apperr"
	"arenaserver/arena/store"
	"arenaserver/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(func() time.Time { return t0 })
	require.NoError(t, st.CreateEncounter(context.Background(), &models.Encounter{
		ID:           "b1",
		Kind:         models.KindBattle,
		Status:       models.StatusActive,
		Participants: []string{"alice", "bob"},
	}))
	require.NoError(t, st.AppendRound(context.Background(), "b1", &models.Round{ID: "r1", Number: 1, Winner: "alice", Magnitude: 50}))
	logger := zaptest.NewLogger(t)
	return NewRegistry(NewHub(logger), st, logger, func() time.Time { return t0 }), st
}

func connect(r *Registry, user string, buffer int) *Conn {
	c := NewConn(user, buffer)
	r.Hub().Register(c)
	return c
}

func TestJoinSeedsRoomFromStore(t *testing.T) {
	r, _ := setup(t)
	alice := connect(r, "alice", 4)
	key := Key{Kind: models.KindBattle, ID: "b1"}

	snap, err := r.Join(context.Background(), alice, key)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RoundCount)
	assert.Equal(t, 1, snap.RoundWins["alice"])
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.IsMember(key, alice.ID))
	assert.Equal(t, []Key{key}, r.Hub().RoomsOf(alice.ID))

	cached, ok := r.Snapshot(key)
	require.True(t, ok)
	assert.Equal(t, snap, cached)
}

func TestJoinRejectsUnknownOrMismatchedRoom(t *testing.T) {
	r, _ := setup(t)
	alice := connect(r, "alice", 4)

	_, err := r.Join(context.Background(), alice, Key{Kind: models.KindBattle, ID: "zz"})
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))

	_, err = r.Join(context.Background(), alice, Key{Kind: models.KindAuction, ID: "b1"})
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))
	assert.Zero(t, r.Len())
}

func TestLeaveDiscardsEmptyRoom(t *testing.T) {
	r, _ := setup(t)
	key := Key{Kind: models.KindBattle, ID: "b1"}
	alice := connect(r, "alice", 4)
	bob := connect(r, "bob", 4)
	_, err := r.Join(context.Background(), alice, key)
	require.NoError(t, err)
	_, err = r.Join(context.Background(), bob, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, r.Members(key))

	assert.True(t, r.Leave(key, alice))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Leave(key, bob))
	assert.Zero(t, r.Len())
	assert.False(t, r.Leave(key, bob))
}

func TestDisconnectRemovesFromEveryRoom(t *testing.T) {
	r, st := setup(t)
	require.NoError(t, st.CreateEncounter(context.Background(), &models.Encounter{ID: "b2", Kind: models.KindBattle, Status: models.StatusActive}))
	k1 := Key{Kind: models.KindBattle, ID: "b1"}
	k2 := Key{Kind: models.KindBattle, ID: "b2"}

	alice := connect(r, "alice", 4)
	bob := connect(r, "bob", 4)
	for _, k := range []Key{k1, k2} {
		_, err := r.Join(context.Background(), alice, k)
		require.NoError(t, err)
	}
	_, err := r.Join(context.Background(), bob, k1)
	require.NoError(t, err)

	left := r.Disconnect(alice)
	assert.ElementsMatch(t, []Key{k1, k2}, left)
	assert.False(t, r.IsMember(k1, alice.ID))
	assert.Equal(t, 1, r.Len(), "room b2 had no one else and is gone")
	assert.False(t, r.Hub().Connected("alice"))

	assert.Equal(t, 1, r.Broadcast(k1, []byte(`{"type":"state-update"}`)))
	select {
	case <-alice.Outbound():
		t.Fatal("disconnected client must not receive broadcasts")
	default:
	}

	_, err = r.Join(context.Background(), alice, k1)
	assert.Equal(t, apperr.InvalidState, apperr.CodeOf(err))
	assert.False(t, r.IsMember(k1, alice.ID))
}

func TestBroadcastDoesNotBlockOnSlowClient(t *testing.T) {
	r, _ := setup(t)
	key := Key{Kind: models.KindBattle, ID: "b1"}
	slow := connect(r, "alice", 1)
	fast := connect(r, "bob", 8)
	for _, c := range []*Conn{slow, fast} {
		_, err := r.Join(context.Background(), c, key)
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			r.Broadcast(key, []byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client buffer")
	}
	assert.Len(t, slow.Outbound(), 1)
	assert.Len(t, fast.Outbound(), 5)
}

func TestSealStopsBroadcasts(t *testing.T) {
	r, _ := setup(t)
	key := Key{Kind: models.KindBattle, ID: "b1"}
	alice := connect(r, "alice", 4)
	_, err := r.Join(context.Background(), alice, key)
	require.NoError(t, err)

	r.Seal(key)
	assert.True(t, r.Sealed(key))
	assert.Zero(t, r.Broadcast(key, []byte("late")))
}

func TestSendToUserReachesEveryConnection(t *testing.T) {
	r, _ := setup(t)
	a1 := connect(r, "alice", 4)
	a2 := connect(r, "alice", 4)

	assert.Equal(t, 2, r.Hub().SendToUser("alice", []byte("hi")))
	assert.Len(t, a1.Outbound(), 1)
	assert.Len(t, a2.Outbound(), 1)
	assert.Zero(t, r.Hub().SendToUser("nobody", []byte("hi")))
}

func TestRoomsOfUserSpansConnections(t *testing.T) {
	r, _ := setup(t)
	key := Key{Kind: models.KindBattle, ID: "b1"}
	phone := connect(r, "alice", 4)
	connect(r, "alice", 4)

	assert.Empty(t, r.Hub().RoomsOfUser("alice"))
	_, err := r.Join(context.Background(), phone, key)
	require.NoError(t, err)
	assert.Equal(t, []Key{key}, r.Hub().RoomsOfUser("alice"))
}

func TestCloseAllSignalsConnections(t *testing.T) {
	r, _ := setup(t)
	a := connect(r, "alice", 4)
	b := connect(r, "bob", 4)

	assert.Equal(t, 2, r.Hub().CloseAll())
	for _, c := range []*Conn{a, b} {
		select {
		case <-c.Done():
		default:
			t.Fatalf("connection %s not closed", c.ID)
		}
	}
	assert.False(t, r.Hub().Send(a, []byte("late")))
}

func TestConcurrentJoinLeave(t *testing.T) {
	r, _ := setup(t)
	key := Key{Kind: models.KindBattle, ID: "b1"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := connect(r, "user", 2)
			if _, err := r.Join(context.Background(), c, key); err == nil {
				r.Disconnect(c)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, r.Len())
}
