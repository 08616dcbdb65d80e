package resolver

import (
	"time"

	"arenaserver/arena/apperr"
	"arenaserver/models"

	"github.com/shopspring/decimal"
)

type BetOutcome struct {
	Market models.MarketState
	Odds   map[string]decimal.Decimal
	Round  models.Round
}

// ApplyBet adds a positive stake on a known position of an open market and recomputes the odds.
func ApplyBet(enc *models.Encounter, bettor, position string, stake decimal.Decimal, now time.Time) (BetOutcome, error) {
	if enc.Kind != models.KindBetting {
		return BetOutcome{}, apperr.Newf(apperr.ValidationError, "encounter %s is not a betting market", enc.ID)
	}
	if enc.Market == nil {
		return BetOutcome{}, apperr.Newf(apperr.InvalidState, "market %s has no book", enc.ID)
	}
	if enc.Status != models.StatusActive {
		return BetOutcome{}, apperr.Newf(apperr.InvalidState, "market %s is %s", enc.ID, enc.Status)
	}
	if !now.Before(enc.Market.ExpiresAt) {
		return BetOutcome{}, apperr.Newf(apperr.InvalidState, "market %s has expired", enc.ID)
	}
	if !stake.IsPositive() {
		return BetOutcome{}, apperr.New(apperr.ValidationError, "stake must be greater than zero")
	}
	if !enc.Market.HasPosition(position) {
		return BetOutcome{}, apperr.Newf(apperr.ValidationError, "unknown position %q", position)
	}

	market := enc.Market.Clone()
	market.Pot = market.Pot.Add(stake)
	market.Stakes[position] = market.Stakes[position].Add(stake)

	value, _ := stake.Float64()
	round := models.Round{
		EncounterID: enc.ID,
		Number:      len(enc.Rounds) + 1,
		Winner:      bettor,
		Magnitude:   value,
		Effects: []models.Effect{{
			Type:   models.EffectBet,
			Source: bettor,
			Stat:   position,
			Value:  value,
		}},
		Moves: []models.Move{{
			ParticipantID: bettor,
			Action:        models.ActionPlaceBet,
			Amount:        stake,
			Position:      position,
			Magnitude:     value,
			SubmittedAt:   now,
		}},
		StartedAt: now,
		EndedAt:   now,
	}

	return BetOutcome{Market: market, Odds: market.Odds(), Round: round}, nil
}
