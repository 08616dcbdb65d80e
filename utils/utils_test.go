package utils

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"arenaserver/arena/store"
	"arenaserver/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeCloser struct {
	closed []string
	fail   string
}

func (f *fakeCloser) Close(_ context.Context, id string) error {
	if id == f.fail {
		return errors.New("boom")
	}
	f.closed = append(f.closed, id)
	return nil
}

type fakeDrainer struct{ calls int }

func (f *fakeDrainer) Drain(_ context.Context, n int64) (int, error) {
	f.calls++
	return int(n), nil
}

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore(func() time.Time { return t0 })
	ctx := context.Background()
	for _, enc := range []*models.Encounter{
		{ID: "a-open", Kind: models.KindAuction, Status: models.StatusActive, Auction: &models.AuctionState{EndsAt: t0.Add(time.Hour)}},
		{ID: "a-done", Kind: models.KindAuction, Status: models.StatusActive, Auction: &models.AuctionState{EndsAt: t0.Add(-time.Hour), CurrentBid: decimal.NewFromInt(5)}},
		{ID: "m-done", Kind: models.KindBetting, Status: models.StatusActive, Market: &models.MarketState{Positions: []string{"yes"}, ExpiresAt: t0.Add(-time.Minute)}},
		{ID: "m-bad", Kind: models.KindBetting, Status: models.StatusActive, Market: &models.MarketState{Positions: []string{"yes"}, ExpiresAt: t0.Add(-time.Minute)}},
		{ID: "b-stale", Kind: models.KindBattle, Status: models.StatusWaiting, CreatedAt: t0.Add(-48 * time.Hour)},
		{ID: "b-fresh", Kind: models.KindBattle, Status: models.StatusWaiting, CreatedAt: t0.Add(-time.Hour)},
	} {
		require.NoError(t, st.CreateEncounter(ctx, enc))
	}
	return st
}

func TestCloseExpiredEncounters(t *testing.T) {
	st := seed(t)
	closer := &fakeCloser{fail: "m-bad"}
	m := NewMaintenance(st, closer, &fakeDrainer{}, zaptest.NewLogger(t), func() time.Time { return t0 })

	assert.Equal(t, 2, m.CloseExpiredEncounters(context.Background()))
	assert.Equal(t, []string{"a-done", "m-done"}, closer.closed)
}

func TestCleanupCancelsStaleWaiting(t *testing.T) {
	st := seed(t)
	m := NewMaintenance(st, &fakeCloser{}, &fakeDrainer{}, zaptest.NewLogger(t), func() time.Time { return t0 })
	m.Cleanup(context.Background())

	stale, err := st.GetEncounter(context.Background(), "b-stale")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stale.Status)

	fresh, err := st.GetEncounter(context.Background(), "b-fresh")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, fresh.Status)
}

func TestCronCleanerRegistersJobs(t *testing.T) {
	drainer := &fakeDrainer{}
	m := NewMaintenance(seed(t), &fakeCloser{}, drainer, zaptest.NewLogger(t), nil)
	assert.Equal(t, retryDrainBatch, m.DrainRankingRetries(context.Background()))
	assert.Equal(t, 1, drainer.calls)

	c, err := CronCleaner(m, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Stop()
	assert.Len(t, c.Entries(), 3)
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.Use(RequestLogger(zap.New(core)))
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "request", entry.Message)
	assert.Equal(t, "/healthz", entry.ContextMap()["path"])
	assert.EqualValues(t, http.StatusNoContent, entry.ContextMap()["status"])
}
