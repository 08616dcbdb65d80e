// Package ranking rebuilds per-period ranking records from completed battle history.
package ranking

import (
	"time"

	"arenaserver/models"
)

type Weights struct {
	Wins      float64
	WinRate   float64
	Magnitude float64
}

func DefaultWeights() Weights {
	return Weights{Wins: 100, WinRate: 50, Magnitude: 0.1}
}

func WeightsFromConfig(cfg models.RankingConfig) Weights {
	return Weights{Wins: cfg.WinWeight, WinRate: cfg.WinRateWeight, Magnitude: cfg.MagnitudeWeight}
}

type Result int

const (
	Loss Result = iota
	Draw
	Win
)

type Aggregator struct {
	weights Weights
}

func NewAggregator(w Weights) *Aggregator {
	return &Aggregator{weights: w}
}

// Window returns the calendar-aligned UTC window of a period containing now.
func Window(period models.Period, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch period {
	case models.PeriodDaily:
		return day, day.AddDate(0, 0, 1)
	case models.PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	case models.PeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default:
		return time.Unix(0, 0).UTC(), day.AddDate(0, 0, 1)
	}
}

// Classify returns the participant's result in a battle: their round wins against the
// best opponent's round wins. The magnitude is the sum over rounds they won.
func Classify(enc *models.Encounter, participantID string) (Result, float64) {
	wins := enc.RoundWins()
	mine := wins[participantID]
	best := -1
	for p, w := range wins {
		if p != participantID && w > best {
			best = w
		}
	}

	var magnitude float64
	for _, r := range enc.Rounds {
		if !r.Draw && r.Winner == participantID {
			magnitude += r.Magnitude
		}
	}

	switch {
	case mine > best:
		return Win, magnitude
	case mine < best:
		return Loss, magnitude
	default:
		return Draw, magnitude
	}
}

// Compute builds the record of one period from the participant's completed history.
// Only battles completed inside the window count.
func (a *Aggregator) Compute(participantID string, period models.Period, history []models.Encounter, now time.Time) models.RankingRecord {
	start, end := Window(period, now)
	rec := models.RankingRecord{
		ParticipantID: participantID,
		Period:        period,
		PeriodStart:   start,
		PeriodEnd:     end,
	}

	var magnitude float64
	for i := range history {
		enc := &history[i]
		if enc.Kind != models.KindBattle || enc.Status != models.StatusCompleted || enc.CompletedAt == nil {
			continue
		}
		if enc.CompletedAt.Before(start) || !enc.CompletedAt.Before(end) || !enc.IsParticipant(participantID) {
			continue
		}
		result, m := Classify(enc, participantID)
		switch result {
		case Win:
			rec.Wins++
		case Loss:
			rec.Losses++
		case Draw:
			rec.Draws++
		}
		rec.Total++
		magnitude += m
	}

	if rec.Total > 0 {
		rec.WinRate = float64(rec.Wins) / float64(rec.Total)
		rec.AvgMagnitude = magnitude / float64(rec.Total)
	}
	rec.Score = float64(rec.Wins)*a.weights.Wins + rec.WinRate*a.weights.WinRate + rec.AvgMagnitude*a.weights.Magnitude
	return rec
}
