// Package store is the persistence port of the coordination engine.
package store

import (
	"context"
	"time"

	"arenaserver/models"
)

// Store is the authoritative record of encounters. Rooms only cache what it returns.
// Missing data is reported as an apperr.NotFound error.
type Store interface {
	CreateEncounter(ctx context.Context, enc *models.Encounter) error
	GetEncounter(ctx context.Context, id string) (*models.Encounter, error)
	// AppendRound rejects a round whose number is not exactly one past the last.
	AppendRound(ctx context.Context, encounterID string, round *models.Round) error
	AppendMove(ctx context.Context, roundID string, move *models.Move) error
	SetEncounterStatus(ctx context.Context, id string, status models.EncounterStatus) error
	// CommitRounds stores everything one resolved outcome changes, or nothing.
	CommitRounds(ctx context.Context, c Commit) error

	UpsertRankingRecord(ctx context.Context, rec *models.RankingRecord) error
	ListRankingRecords(ctx context.Context, participantID string) ([]models.RankingRecord, error)
	ListCompletedEncounters(ctx context.Context, participantID string, since time.Time) ([]models.Encounter, error)

	// ListExpired returns active auctions or markets whose deadline is not after now.
	ListExpired(ctx context.Context, kind models.EncounterKind, now time.Time) ([]string, error)
	PruneExpiredModifiers(ctx context.Context, now time.Time) (int64, error)
	CancelStaleWaiting(ctx context.Context, before time.Time) (int64, error)
}

// Commit is one resolved outcome of an encounter. Rounds carry their moves and must
// continue the stored sequence. Zero fields leave the encounter as it is.
type Commit struct {
	EncounterID string
	Rounds      []models.Round
	Status      models.EncounterStatus
	Auction     *models.AuctionState
	Market      *models.MarketState
	// Activations starts dormant powerups used by the rounds, keyed by modifier id.
	Activations map[string]time.Time
}
