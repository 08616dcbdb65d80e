package store

import (
	"encoding/json"
	"time"

	"arenaserver/models"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

func toEncounterRecord(enc *models.Encounter) (models.EncounterRecord, error) {
	rec := models.EncounterRecord{
		ID:          enc.ID,
		Kind:        string(enc.Kind),
		Status:      string(enc.Status),
		OwnerID:     enc.OwnerID,
		CreatedAt:   enc.CreatedAt,
		CompletedAt: enc.CompletedAt,
	}
	if enc.Auction != nil {
		b, err := json.Marshal(enc.Auction)
		if err != nil {
			return rec, err
		}
		rec.Auction = datatypes.JSON(b)
	}
	if enc.Market != nil {
		b, err := json.Marshal(enc.Market)
		if err != nil {
			return rec, err
		}
		rec.Market = datatypes.JSON(b)
	}
	if closesAt, ok := enc.ClosesAt(); ok {
		rec.ClosesAt = &closesAt
	}
	return rec, nil
}

func toModifierRecord(cardID string, m models.Modifier) models.ModifierRecord {
	row := models.ModifierRecord{
		ID:         m.ID,
		CardID:     cardID,
		Name:       m.Name,
		TargetStat: m.TargetStat,
		Type:       string(m.Type),
		Value:      m.Value,
		StartedAt:  m.StartedAt,
		CreatedAt:  m.CreatedAt,
	}
	if m.Duration != nil {
		ms := m.Duration.Milliseconds()
		row.DurationMS = &ms
	}
	return row
}

func fromModifierRecord(row models.ModifierRecord) models.Modifier {
	m := models.Modifier{
		ID:         row.ID,
		CardID:     row.CardID,
		Name:       row.Name,
		TargetStat: row.TargetStat,
		Type:       models.ModifierType(row.Type),
		Value:      row.Value,
		StartedAt:  row.StartedAt,
		CreatedAt:  row.CreatedAt,
	}
	if row.DurationMS != nil {
		d := time.Duration(*row.DurationMS) * time.Millisecond
		m.Duration = &d
	}
	return m
}

func assembleEncounter(
	rec models.EncounterRecord,
	participants []models.ParticipantRecord,
	cards []models.CardRecord,
	modifiers []models.ModifierRecord,
	rounds []models.RoundRecord,
	moves []models.MoveRecord,
) (*models.Encounter, error) {
	enc := &models.Encounter{
		ID:           rec.ID,
		Kind:         models.EncounterKind(rec.Kind),
		Status:       models.EncounterStatus(rec.Status),
		OwnerID:      rec.OwnerID,
		Participants: make([]string, 0, len(participants)),
		Rounds:       make([]models.Round, 0, len(rounds)),
		CreatedAt:    rec.CreatedAt,
		CompletedAt:  rec.CompletedAt,
	}
	for _, p := range participants {
		enc.Participants = append(enc.Participants, p.UserID)
	}

	if len(cards) > 0 {
		enc.Cards = make(map[string]models.Card, len(cards))
		for _, c := range cards {
			enc.Cards[c.ID] = models.Card{ID: c.ID, OwnerID: c.OwnerID, Name: c.Name}
		}
		for _, row := range modifiers {
			card, ok := enc.Cards[row.CardID]
			if !ok {
				continue
			}
			card.Modifiers = append(card.Modifiers, fromModifierRecord(row))
			enc.Cards[row.CardID] = card
		}
	}

	movesByRound := make(map[string][]models.Move, len(rounds))
	for _, m := range moves {
		movesByRound[m.RoundID] = append(movesByRound[m.RoundID], models.Move{
			ID:            m.ID,
			RoundID:       m.RoundID,
			ParticipantID: m.ParticipantID,
			CardID:        m.CardID,
			Action:        models.ActionKind(m.Action),
			TargetCardID:  m.TargetCardID,
			PowerupID:     m.PowerupID,
			Amount:        m.Amount,
			Position:      m.Position,
			Magnitude:     m.Magnitude,
			SubmittedAt:   m.SubmittedAt,
		})
	}
	for _, r := range rounds {
		round := models.Round{
			ID:          r.ID,
			EncounterID: r.EncounterID,
			Number:      r.Number,
			Winner:      r.Winner,
			Draw:        r.Draw,
			Magnitude:   r.Magnitude,
			Moves:       movesByRound[r.ID],
			StartedAt:   r.StartedAt,
			EndedAt:     r.EndedAt,
		}
		if len(r.Effects) > 0 {
			if err := json.Unmarshal(r.Effects, &round.Effects); err != nil {
				return nil, err
			}
		}
		enc.Rounds = append(enc.Rounds, round)
	}

	if len(rec.Auction) > 0 {
		var a models.AuctionState
		if err := json.Unmarshal(rec.Auction, &a); err != nil {
			return nil, err
		}
		enc.Auction = &a
	}
	if len(rec.Market) > 0 {
		var m models.MarketState
		if err := json.Unmarshal(rec.Market, &m); err != nil {
			return nil, err
		}
		if m.Stakes == nil {
			m.Stakes = make(map[string]decimal.Decimal)
		}
		enc.Market = &m
	}
	return enc, nil
}
