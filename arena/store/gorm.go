package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"arenaserver/arena/apperr"
	"arenaserver/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore はPostgreSQL(GORM)によるStoreの実装です。
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func internal(err error, format string, args ...interface{}) error {
	return apperr.Wrap(apperr.InternalError, err, fmt.Sprintf(format, args...))
}

func lookupError(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Newf(apperr.NotFound, format, args...)
	}
	return internal(err, format, args...)
}

func (s *GormStore) CreateEncounter(ctx context.Context, enc *models.Encounter) error {
	if enc.ID == "" || !enc.Kind.Valid() {
		return apperr.New(apperr.ValidationError, "encounter needs an id and a known kind")
	}
	rec, err := toEncounterRecord(enc)
	if err != nil {
		return internal(err, "encode encounter %s", enc.ID)
	}
	if rec.Status == "" {
		rec.Status = string(models.StatusWaiting)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		for seat, userID := range enc.Participants {
			if err := tx.Create(&models.ParticipantRecord{EncounterID: enc.ID, UserID: userID, Seat: seat}).Error; err != nil {
				return err
			}
		}
		for _, card := range enc.Cards {
			if err := tx.Create(&models.CardRecord{ID: card.ID, EncounterID: enc.ID, OwnerID: card.OwnerID, Name: card.Name}).Error; err != nil {
				return err
			}
			for _, m := range card.Modifiers {
				row := toModifierRecord(card.ID, m)
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return internal(err, "create encounter %s", enc.ID)
	}
	return nil
}

func (s *GormStore) GetEncounter(ctx context.Context, id string) (*models.Encounter, error) {
	db := s.db.WithContext(ctx)

	var rec models.EncounterRecord
	if err := db.First(&rec, "id = ?", id).Error; err != nil {
		return nil, lookupError(err, "encounter %s not found", id)
	}

	var participants []models.ParticipantRecord
	if err := db.Where("encounter_id = ?", id).Order("seat").Find(&participants).Error; err != nil {
		return nil, internal(err, "load participants of %s", id)
	}

	var cards []models.CardRecord
	if err := db.Where("encounter_id = ?", id).Find(&cards).Error; err != nil {
		return nil, internal(err, "load cards of %s", id)
	}
	var modifiers []models.ModifierRecord
	if len(cards) > 0 {
		cardIDs := make([]string, len(cards))
		for i, c := range cards {
			cardIDs[i] = c.ID
		}
		if err := db.Where("card_id IN ?", cardIDs).Order("created_at, id").Find(&modifiers).Error; err != nil {
			return nil, internal(err, "load modifiers of %s", id)
		}
	}

	var rounds []models.RoundRecord
	if err := db.Where("encounter_id = ?", id).Order("number").Find(&rounds).Error; err != nil {
		return nil, internal(err, "load rounds of %s", id)
	}
	var moves []models.MoveRecord
	if len(rounds) > 0 {
		roundIDs := make([]string, len(rounds))
		for i, r := range rounds {
			roundIDs[i] = r.ID
		}
		if err := db.Where("round_id IN ?", roundIDs).Order("submitted_at, id").Find(&moves).Error; err != nil {
			return nil, internal(err, "load moves of %s", id)
		}
	}

	enc, err := assembleEncounter(rec, participants, cards, modifiers, rounds, moves)
	if err != nil {
		return nil, internal(err, "decode encounter %s", id)
	}
	return enc, nil
}

func (s *GormStore) AppendRound(ctx context.Context, encounterID string, round *models.Round) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		last, err := lastRoundNumber(tx, encounterID)
		if err != nil {
			return err
		}
		return insertRound(tx, encounterID, round, last+1)
	})
}

func (s *GormStore) AppendMove(ctx context.Context, roundID string, move *models.Move) error {
	db := s.db.WithContext(ctx)
	var exists int64
	if err := db.Model(&models.RoundRecord{}).Where("id = ?", roundID).Count(&exists).Error; err != nil {
		return internal(err, "check round %s", roundID)
	}
	if exists == 0 {
		return apperr.Newf(apperr.NotFound, "round %s not found", roundID)
	}
	return insertMove(db, roundID, move)
}

func (s *GormStore) SetEncounterStatus(ctx context.Context, id string, status models.EncounterStatus) error {
	return updateEncounter(s.db.WithContext(ctx), id, s.statusUpdates(status))
}

// CommitRounds は1つの結果(ラウンド、手、パワーアップ発動、状態変更)を1トランザクションで保存します。
func (s *GormStore) CommitRounds(ctx context.Context, c Commit) error {
	updates := map[string]interface{}{}
	if c.Status != "" {
		for k, v := range s.statusUpdates(c.Status) {
			updates[k] = v
		}
	}
	if c.Auction != nil {
		b, err := json.Marshal(c.Auction)
		if err != nil {
			return internal(err, "encode auction %s", c.EncounterID)
		}
		updates["auction"] = datatypes.JSON(b)
		updates["closes_at"] = c.Auction.EndsAt
	}
	if c.Market != nil {
		b, err := json.Marshal(c.Market)
		if err != nil {
			return internal(err, "encode market %s", c.EncounterID)
		}
		updates["market"] = datatypes.JSON(b)
		updates["closes_at"] = c.Market.ExpiresAt
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		last, err := lastRoundNumber(tx, c.EncounterID)
		if err != nil {
			return err
		}
		for i := range c.Rounds {
			round := &c.Rounds[i]
			if err := insertRound(tx, c.EncounterID, round, last+1+i); err != nil {
				return err
			}
			for j := range round.Moves {
				if err := insertMove(tx, round.ID, &round.Moves[j]); err != nil {
					return err
				}
			}
		}
		for id, at := range c.Activations {
			if err := activateModifier(tx, id, at); err != nil {
				return err
			}
		}
		if len(updates) == 0 {
			return nil
		}
		return updateEncounter(tx, c.EncounterID, updates)
	})
}

func (s *GormStore) statusUpdates(status models.EncounterStatus) map[string]interface{} {
	updates := map[string]interface{}{"status": string(status)}
	if status == models.StatusCompleted {
		updates["completed_at"] = s.now()
	}
	return updates
}

// lastRoundNumber は保存済みの最後のラウンド番号を返します。Encounterが無ければ NotFound です。
func lastRoundNumber(tx *gorm.DB, encounterID string) (int, error) {
	var exists int64
	if err := tx.Model(&models.EncounterRecord{}).Where("id = ?", encounterID).Count(&exists).Error; err != nil {
		return 0, internal(err, "check encounter %s", encounterID)
	}
	if exists == 0 {
		return 0, apperr.Newf(apperr.NotFound, "encounter %s not found", encounterID)
	}

	var last int
	if err := tx.Model(&models.RoundRecord{}).
		Where("encounter_id = ?", encounterID).
		Select("COALESCE(MAX(number), 0)").
		Scan(&last).Error; err != nil {
		return 0, internal(err, "read last round of %s", encounterID)
	}
	return last, nil
}

func insertRound(tx *gorm.DB, encounterID string, round *models.Round, want int) error {
	if round.Number != want {
		return apperr.Newf(apperr.InvalidState, "round %d out of sequence, expected %d", round.Number, want)
	}
	effects, err := json.Marshal(round.Effects)
	if err != nil {
		return internal(err, "encode effects of round %d", round.Number)
	}
	row := models.RoundRecord{
		ID:          round.ID,
		EncounterID: encounterID,
		Number:      round.Number,
		Winner:      round.Winner,
		Draw:        round.Draw,
		Magnitude:   round.Magnitude,
		Effects:     datatypes.JSON(effects),
		StartedAt:   round.StartedAt,
		EndedAt:     round.EndedAt,
	}
	if err := tx.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperr.Newf(apperr.InvalidState, "round %d already recorded", round.Number)
		}
		return internal(err, "insert round %d of %s", round.Number, encounterID)
	}
	return nil
}

func insertMove(tx *gorm.DB, roundID string, move *models.Move) error {
	row := models.MoveRecord{
		ID:            move.ID,
		RoundID:       roundID,
		ParticipantID: move.ParticipantID,
		CardID:        move.CardID,
		Action:        string(move.Action),
		TargetCardID:  move.TargetCardID,
		PowerupID:     move.PowerupID,
		Amount:        move.Amount,
		Position:      move.Position,
		Magnitude:     move.Magnitude,
		SubmittedAt:   move.SubmittedAt,
	}
	if err := tx.Create(&row).Error; err != nil {
		return internal(err, "insert move %s", move.ID)
	}
	return nil
}

func updateEncounter(tx *gorm.DB, id string, updates map[string]interface{}) error {
	res := tx.Model(&models.EncounterRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return internal(res.Error, "update encounter %s", id)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.NotFound, "encounter %s not found", id)
	}
	return nil
}

func activateModifier(tx *gorm.DB, modifierID string, at time.Time) error {
	res := tx.Model(&models.ModifierRecord{}).Where("id = ?", modifierID).Update("started_at", at)
	if res.Error != nil {
		return internal(res.Error, "activate modifier %s", modifierID)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.NotFound, "modifier %s not found", modifierID)
	}
	return nil
}

func (s *GormStore) UpsertRankingRecord(ctx context.Context, rec *models.RankingRecord) error {
	row := models.RankingRow{
		ParticipantID: rec.ParticipantID,
		Period:        string(rec.Period),
		PeriodStart:   rec.PeriodStart,
		PeriodEnd:     rec.PeriodEnd,
		Wins:          rec.Wins,
		Losses:        rec.Losses,
		Draws:         rec.Draws,
		Total:         rec.Total,
		WinRate:       rec.WinRate,
		AvgMagnitude:  rec.AvgMagnitude,
		Score:         rec.Score,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "participant_id"}, {Name: "period"}, {Name: "period_start"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return internal(err, "upsert %s ranking of %s", rec.Period, rec.ParticipantID)
	}
	return nil
}

func (s *GormStore) ListRankingRecords(ctx context.Context, participantID string) ([]models.RankingRecord, error) {
	var rows []models.RankingRow
	if err := s.db.WithContext(ctx).
		Where("participant_id = ?", participantID).
		Order("period, period_start DESC").
		Find(&rows).Error; err != nil {
		return nil, internal(err, "list rankings of %s", participantID)
	}
	out := make([]models.RankingRecord, len(rows))
	for i, r := range rows {
		out[i] = models.RankingRecord{
			ParticipantID: r.ParticipantID,
			Period:        models.Period(r.Period),
			PeriodStart:   r.PeriodStart,
			PeriodEnd:     r.PeriodEnd,
			Wins:          r.Wins,
			Losses:        r.Losses,
			Draws:         r.Draws,
			Total:         r.Total,
			WinRate:       r.WinRate,
			AvgMagnitude:  r.AvgMagnitude,
			Score:         r.Score,
		}
	}
	return out, nil
}

func (s *GormStore) ListCompletedEncounters(ctx context.Context, participantID string, since time.Time) ([]models.Encounter, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.EncounterRecord{}).
		Joins("JOIN encounter_participants ON encounter_participants.encounter_id = encounters.id").
		Where("encounter_participants.user_id = ? AND encounters.status = ? AND encounters.completed_at >= ?",
			participantID, string(models.StatusCompleted), since).
		Order("encounters.completed_at").
		Pluck("encounters.id", &ids).Error
	if err != nil {
		return nil, internal(err, "list completed encounters of %s", participantID)
	}

	out := make([]models.Encounter, 0, len(ids))
	for _, id := range ids {
		enc, err := s.GetEncounter(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *enc)
	}
	return out, nil
}

func (s *GormStore) ListExpired(ctx context.Context, kind models.EncounterKind, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.EncounterRecord{}).
		Where("kind = ? AND status = ? AND closes_at <= ?", string(kind), string(models.StatusActive), now).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, internal(err, "list expired %s encounters", kind)
	}
	return ids, nil
}

func (s *GormStore) PruneExpiredModifiers(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("started_at IS NOT NULL AND duration_ms IS NOT NULL AND started_at + duration_ms * interval '1 millisecond' <= ?", now).
		Delete(&models.ModifierRecord{})
	if res.Error != nil {
		return 0, internal(res.Error, "prune expired modifiers")
	}
	return res.RowsAffected, nil
}

func (s *GormStore) CancelStaleWaiting(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.EncounterRecord{}).
		Where("status = ? AND created_at < ?", string(models.StatusWaiting), before).
		Update("status", string(models.StatusCancelled))
	if res.Error != nil {
		return 0, internal(res.Error, "cancel stale waiting encounters")
	}
	return res.RowsAffected, nil
}
