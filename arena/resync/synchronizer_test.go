package resync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"arenaserver/arena/broadcast"
	"arenaserver/arena/room"
	"arenaserver/arena/store"
	"arenaserver/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*room.Registry, *store.MemoryStore) {
	t.Helper()
	clock := func() time.Time { return t0 }
	st := store.NewMemoryStore(clock)
	for _, enc := range []*models.Encounter{
		{ID: "b1", Kind: models.KindBattle, Status: models.StatusActive, Participants: []string{"alice", "bob"}},
		{ID: "b2", Kind: models.KindBattle, Status: models.StatusActive, Participants: []string{"carol", "dave"}},
		{ID: "b3", Kind: models.KindBattle, Status: models.StatusActive, Participants: []string{"erin", "frank"}},
	} {
		require.NoError(t, st.CreateEncounter(context.Background(), enc))
	}
	logger := zaptest.NewLogger(t)
	return room.NewRegistry(room.NewHub(logger), st, logger, clock), st
}

func join(t *testing.T, r *room.Registry, user, id string) *room.Conn {
	t.Helper()
	c := room.NewConn(user, 8)
	r.Hub().Register(c)
	_, err := r.Join(context.Background(), c, room.Key{Kind: models.KindBattle, ID: id})
	require.NoError(t, err)
	return c
}

func TestTickBroadcastsLiveRoomsAndSealsFinished(t *testing.T) {
	r, st := setup(t)
	alice := join(t, r, "alice", "b1")
	carol := join(t, r, "carol", "b2")
	erin := join(t, r, "erin", "b3")
	r.Seal(room.Key{Kind: models.KindBattle, ID: "b3"})
	require.NoError(t, st.SetEncounterStatus(context.Background(), "b2", models.StatusCompleted))

	s := New(r, st, models.SyncConfig{}, zaptest.NewLogger(t), func() time.Time { return t0 })
	assert.Equal(t, 1, s.Tick(context.Background(), models.KindBattle))

	require.Len(t, alice.Outbound(), 1)
	var out struct {
		Type    broadcast.EventType   `json:"type"`
		Payload broadcast.StateUpdate `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(<-alice.Outbound(), &out))
	assert.Equal(t, broadcast.TypeStateUpdate, out.Type)
	assert.Equal(t, "b1", out.Payload.Snapshot.ID)

	assert.Empty(t, carol.Outbound())
	assert.Empty(t, erin.Outbound())
	assert.True(t, r.Sealed(room.Key{Kind: models.KindBattle, ID: "b2"}))

	assert.Zero(t, s.Tick(context.Background(), models.KindAuction))
}

func TestStartRunsJobsUntilStopped(t *testing.T) {
	r, st := setup(t)
	alice := join(t, r, "alice", "b1")

	cfg := models.SyncConfig{BattleInterval: models.Duration{Duration: 10 * time.Millisecond}}
	s := New(r, st, cfg, zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	assert.Eventually(t, func() bool { return len(alice.Outbound()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
