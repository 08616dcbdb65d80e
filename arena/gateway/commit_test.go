package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"arenaserver/arena/apperr"
	"arenaserver/arena/broadcast"
	"arenaserver/arena/resolver"
	"arenaserver/arena/room"
	"arenaserver/arena/store"
	"arenaserver/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the next fails commits and passes everything else through.
type flakyStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	fails int
	calls int
}

func (s *flakyStore) CommitRounds(ctx context.Context, c store.Commit) error {
	s.mu.Lock()
	s.calls++
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return apperr.New(apperr.InternalError, "write failed")
	}
	s.mu.Unlock()
	return s.MemoryStore.CommitRounds(ctx, c)
}

func (s *flakyStore) commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newFlakyFixture(t *testing.T, rules resolver.Rules, fails int) (*fixture, *flakyStore) {
	t.Helper()
	var flaky *flakyStore
	f := newFixtureWith(t, rules, func(st *store.MemoryStore) store.Store {
		flaky = &flakyStore{MemoryStore: st, fails: fails}
		return flaky
	})
	return f, flaky
}

func surge(t *testing.T, f *fixture) models.Modifier {
	t.Helper()
	enc, err := f.store.GetEncounter(context.Background(), "b1")
	require.NoError(t, err)
	m, ok := enc.Cards["ca"].Modifier("surge")
	require.True(t, ok)
	return m
}

func TestFailedCommitKeepsRoundRetryable(t *testing.T) {
	f, flaky := newFlakyFixture(t, resolver.Rules{MaxRounds: 1, WinsToClinch: 6}, 1)
	alice, bob := f.connect("alice"), f.connect("bob")
	f.join(t, alice, models.KindBattle, "b1")
	f.join(t, bob, models.KindBattle, "b1")
	received(t, alice)
	received(t, bob)

	powered := move("b1", "ca", models.ActionAttack)
	powered.PowerupID = "surge"
	_, err := send(t, f.gw, alice, broadcast.TypeSubmitMove, powered)
	require.NoError(t, err)
	assert.Zero(t, flaky.commits(), "a pending move writes nothing")
	assert.True(t, surge(t, f).Dormant(), "powerup starts with its round")

	_, err = send(t, f.gw, bob, broadcast.TypeSubmitMove, move("b1", "cb", models.ActionAttack))
	assert.Equal(t, apperr.InternalError, apperr.CodeOf(err))

	enc, err := f.store.GetEncounter(context.Background(), "b1")
	require.NoError(t, err)
	assert.Empty(t, enc.Rounds)
	assert.Equal(t, models.StatusActive, enc.Status)
	assert.Nil(t, enc.CompletedAt)
	assert.True(t, surge(t, f).Dormant())
	assert.Empty(t, f.rankings.list())
	assert.False(t, f.registry.Sealed(room.Key{Kind: models.KindBattle, ID: "b1"}))
	assert.Empty(t, received(t, alice))

	ack, err := send(t, f.gw, bob, broadcast.TypeSubmitMove, move("b1", "cb", models.ActionAttack))
	require.NoError(t, err)
	assert.Equal(t, broadcast.MoveAck{RoomID: "b1", RoundNumber: 1, Terminal: true}, ack)

	enc, err = f.store.GetEncounter(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, enc.Rounds, 1)
	assert.Len(t, enc.Rounds[0].Moves, 2)
	assert.Equal(t, "alice", enc.Rounds[0].Winner)
	assert.Equal(t, models.StatusCompleted, enc.Status)
	m := surge(t, f)
	require.NotNil(t, m.StartedAt)
	assert.Equal(t, t0, *m.StartedAt)
	assert.ElementsMatch(t, []string{"alice", "bob"}, f.rankings.list())
	assert.Equal(t, 2, flaky.commits())
}

func TestFailedBidCommitLeavesAuction(t *testing.T) {
	f, _ := newFlakyFixture(t, resolver.DefaultRules(), 1)
	carol, dave := f.connect("carol"), f.connect("dave")
	f.join(t, carol, models.KindAuction, "a1")
	f.join(t, dave, models.KindAuction, "a1")
	received(t, carol)
	received(t, dave)

	bid := broadcast.PlaceBid{RoomID: "a1", Amount: decimal.NewFromInt(115)}
	_, err := send(t, f.gw, carol, broadcast.TypePlaceBid, bid)
	assert.Equal(t, apperr.InternalError, apperr.CodeOf(err))

	enc, err := f.store.GetEncounter(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, enc.Auction.CurrentBid.Equal(decimal.NewFromInt(100)))
	assert.Empty(t, enc.Auction.HighBidder)
	assert.Empty(t, enc.Rounds)
	assert.Empty(t, received(t, dave))

	_, err = send(t, f.gw, carol, broadcast.TypePlaceBid, bid)
	require.NoError(t, err)
	enc, err = f.store.GetEncounter(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, enc.Auction.CurrentBid.Equal(decimal.NewFromInt(115)))
	assert.Len(t, enc.Rounds, 1)
	assert.Equal(t, []broadcast.EventType{broadcast.TypeBidUpdate}, received(t, dave))
}

func TestCompetingProxyBids(t *testing.T) {
	f := newFixture(t, resolver.DefaultRules())
	carol, dave := f.connect("carol"), f.connect("dave")
	f.join(t, carol, models.KindAuction, "a1")
	f.join(t, dave, models.KindAuction, "a1")
	received(t, carol)
	received(t, dave)
	proxy := func(c *room.Conn, maximum int64) broadcast.ProxyBidAck {
		t.Helper()
		ack, err := send(t, f.gw, c, broadcast.TypeSetProxyBid, broadcast.SetProxyBid{RoomID: "a1", Maximum: decimal.NewFromInt(maximum)})
		require.NoError(t, err)
		return ack.(broadcast.ProxyBidAck)
	}

	ack := proxy(carol, 200)
	assert.True(t, ack.Leading)
	assert.True(t, ack.Snapshot.Auction.CurrentBid.Equal(decimal.NewFromInt(110)))
	assert.Equal(t, []broadcast.EventType{broadcast.TypeBidUpdate}, received(t, dave))
	received(t, carol)

	ack = proxy(dave, 150)
	assert.False(t, ack.Leading)
	assert.True(t, ack.Snapshot.Auction.CurrentBid.Equal(decimal.NewFromInt(160)))
	assert.Equal(t, "carol", ack.Snapshot.Auction.HighBidder)
	assert.Equal(t, []broadcast.EventType{broadcast.TypeBidUpdate}, received(t, carol))
	received(t, dave)

	raw, err := json.Marshal(ack.Snapshot)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "proxyBids", "maximums stay private")

	out, err := send(t, f.gw, dave, broadcast.TypePlaceBid, broadcast.PlaceBid{RoomID: "a1", Amount: decimal.NewFromInt(175)})
	require.NoError(t, err)
	update := out.(broadcast.BidUpdate)
	assert.Equal(t, "dave", update.Bidder)
	assert.False(t, update.Proxy)
	assert.True(t, update.Amount.Equal(decimal.NewFromInt(175)))
	assert.Equal(t, "carol", update.Snapshot.Auction.HighBidder)
	assert.Equal(t, []broadcast.EventType{broadcast.TypeBidUpdate, broadcast.TypeBidUpdate}, received(t, carol))
	received(t, dave)

	ack = proxy(carol, 300)
	assert.True(t, ack.Leading)
	assert.Empty(t, received(t, dave), "raising a leading maximum announces nothing")

	enc, err := f.store.GetEncounter(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, enc.Auction.CurrentBid.Equal(decimal.NewFromInt(185)))
	assert.Equal(t, "carol", enc.Auction.HighBidder)
	assert.Equal(t, 4, enc.Auction.BidCount)
	require.Len(t, enc.Auction.ProxyBids, 2)
	require.Len(t, enc.Rounds, 4)
	for i, want := range []struct {
		bidder string
		action models.ActionKind
		amount int64
	}{
		{"carol", models.ActionProxyBid, 110},
		{"carol", models.ActionProxyBid, 160},
		{"dave", models.ActionRaiseBid, 175},
		{"carol", models.ActionProxyBid, 185},
	} {
		r := enc.Rounds[i]
		assert.Equal(t, i+1, r.Number)
		require.Len(t, r.Moves, 1)
		assert.Equal(t, want.bidder, r.Moves[0].ParticipantID)
		assert.Equal(t, want.action, r.Moves[0].Action)
		assert.True(t, r.Moves[0].Amount.Equal(decimal.NewFromInt(want.amount)), "round %d", r.Number)
	}
}
