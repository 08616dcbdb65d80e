package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"arenaserver/arena/apperr"
	"arenaserver/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	s := NewGormStore(db)
	s.now = func() time.Time { return t0 }
	return s, mock
}

func quoted(query string) string {
	return regexp.QuoteMeta(query)
}

// expectSequence expects the encounter lookup and the last stored round number.
func expectSequence(mock sqlmock.Sqlmock, encounterID string, last int) {
	mock.ExpectQuery(quoted(`SELECT count(*) FROM "encounters" WHERE id = $1`)).
		WithArgs(encounterID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(quoted(`SELECT COALESCE(MAX(number), 0) FROM "encounter_rounds" WHERE encounter_id = $1`)).
		WithArgs(encounterID).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(last))
}

func bidRound(number int) models.Round {
	return models.Round{
		ID:     fmt.Sprintf("r%d", number),
		Number: number,
		Winner: "carol",
		Moves: []models.Move{{
			ID:            "m1",
			ParticipantID: "carol",
			Action:        models.ActionRaiseBid,
			Amount:        decimal.NewFromInt(115),
		}},
	}
}

func TestGormCommitRoundsWritesInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	auction := models.AuctionState{CurrentBid: decimal.NewFromInt(115), HighBidder: "carol", EndsAt: t0.Add(time.Hour)}

	mock.ExpectBegin()
	expectSequence(mock, "a1", 2)
	mock.ExpectExec(quoted(`INSERT INTO "encounter_rounds"`)).
		WithArgs("r3", "a1", 3, "carol", false, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(quoted(`INSERT INTO "encounter_moves"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(quoted(`UPDATE "card_modifiers" SET "started_at"=$1 WHERE id = $2`)).
		WithArgs(t0, "surge").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(quoted(`UPDATE "encounters" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.CommitRounds(context.Background(), Commit{
		EncounterID: "a1",
		Rounds:      []models.Round{bidRound(3)},
		Auction:     &auction,
		Activations: map[string]time.Time{"surge": t0},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormCommitRoundsRollsBack(t *testing.T) {
	cases := []struct {
		name   string
		expect func(mock sqlmock.Sqlmock)
		code   apperr.Code
	}{
		{
			name: "out of sequence",
			expect: func(mock sqlmock.Sqlmock) {
				expectSequence(mock, "a1", 3)
			},
			code: apperr.InvalidState,
		},
		{
			name: "round write fails",
			expect: func(mock sqlmock.Sqlmock) {
				expectSequence(mock, "a1", 2)
				mock.ExpectExec(quoted(`INSERT INTO "encounter_rounds"`)).WillReturnError(errors.New("connection reset"))
			},
			code: apperr.InternalError,
		},
		{
			name: "encounter vanished before the state write",
			expect: func(mock sqlmock.Sqlmock) {
				expectSequence(mock, "a1", 2)
				mock.ExpectExec(quoted(`INSERT INTO "encounter_rounds"`)).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(quoted(`INSERT INTO "encounter_moves"`)).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(quoted(`UPDATE "encounters" SET`)).WillReturnResult(sqlmock.NewResult(0, 0))
			},
			code: apperr.NotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectBegin()
			tc.expect(mock)
			mock.ExpectRollback()

			err := s.CommitRounds(context.Background(), Commit{
				EncounterID: "a1",
				Rounds:      []models.Round{bidRound(3)},
				Status:      models.StatusCompleted,
			})
			assert.Equal(t, tc.code, apperr.CodeOf(err))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormCommitRoundsUnknownEncounter(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(quoted(`SELECT count(*) FROM "encounters"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	err := s.CommitRounds(context.Background(), Commit{EncounterID: "zz", Rounds: []models.Round{bidRound(1)}})
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormAppendMoveNeedsRound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(quoted(`SELECT count(*) FROM "encounter_rounds" WHERE id = $1`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err := s.AppendMove(context.Background(), "nope", &models.Move{ID: "m1"})
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormUpsertRankingConflictsOnPeriodKey(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(quoted(`INSERT INTO "ranking_records"`) + `.*` +
		quoted(`ON CONFLICT ("participant_id","period","period_start") DO UPDATE SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.UpsertRankingRecord(context.Background(), &models.RankingRecord{
		ParticipantID: "alice",
		Period:        models.PeriodDaily,
		PeriodStart:   t0,
		PeriodEnd:     t0.Add(24 * time.Hour),
		Wins:          2,
		Total:         3,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormPruneExpiredModifiers(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(quoted(`DELETE FROM "card_modifiers" WHERE started_at IS NOT NULL AND duration_ms IS NOT NULL AND started_at + duration_ms * interval '1 millisecond' <= $1`)).
		WithArgs(t0).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	n, err := s.PruneExpiredModifiers(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormListExpired(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(quoted(`SELECT "id" FROM "encounters" WHERE kind = $1 AND status = $2 AND closes_at <= $3 ORDER BY id`)).
		WithArgs("auction", "active", t0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a1").AddRow("a2"))

	ids, err := s.ListExpired(context.Background(), models.KindAuction, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormListCompletedEncountersJoinsParticipants(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(quoted(`FROM "encounters" JOIN encounter_participants ON encounter_participants.encounter_id = encounters.id`) + `.*` +
		quoted(`ORDER BY encounters.completed_at`)).
		WithArgs("alice", "completed", t0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	out, err := s.ListCompletedEncounters(context.Background(), "alice", t0)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormGetEncounterNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(quoted(`SELECT * FROM "encounters" WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetEncounter(context.Background(), "missing")
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
