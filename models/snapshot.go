package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const snapshotRoundHistory = 5

// Snapshot はルームのメンバーへ送るEncounterの全体状態です。
type Snapshot struct {
	ID           string          `json:"id"`
	Kind         EncounterKind   `json:"kind"`
	Status       EncounterStatus `json:"status"`
	Participants []string        `json:"participants"`
	RoundCount   int             `json:"roundCount"`
	RecentRounds []Round         `json:"recentRounds"`
	RoundWins    map[string]int  `json:"roundWins,omitempty"`
	Winner       string          `json:"winner,omitempty"`
	Auction      *AuctionView    `json:"auction,omitempty"`
	Market       *MarketView     `json:"market,omitempty"`
	ServerTime   time.Time       `json:"serverTime"`
}

type AuctionView struct {
	CurrentBid     decimal.Decimal `json:"currentBid"`
	BidIncrement   decimal.Decimal `json:"bidIncrement"`
	MinimumNextBid decimal.Decimal `json:"minimumNextBid"`
	HighBidder     string          `json:"highBidder,omitempty"`
	BidCount       int             `json:"bidCount"`
	EndsAt         time.Time       `json:"endsAt"`
	TimeRemaining  time.Duration   `json:"timeRemaining"`
}

type MarketView struct {
	Positions        []string                   `json:"positions"`
	Pot              decimal.Decimal            `json:"pot"`
	Stakes           map[string]decimal.Decimal `json:"stakes"`
	Odds             map[string]decimal.Decimal `json:"odds"`
	ExpiresAt        time.Time                  `json:"expiresAt"`
	ResolvedPosition string                     `json:"resolvedPosition,omitempty"`
}

func NewSnapshot(e *Encounter, now time.Time) Snapshot {
	s := Snapshot{
		ID:           e.ID,
		Kind:         e.Kind,
		Status:       e.Status,
		Participants: append([]string(nil), e.Participants...),
		RoundCount:   len(e.Rounds),
		ServerTime:   now,
	}

	from := len(e.Rounds) - snapshotRoundHistory
	if from < 0 {
		from = 0
	}
	s.RecentRounds = append([]Round{}, e.Rounds[from:]...)

	switch e.Kind {
	case KindBattle:
		s.RoundWins = e.RoundWins()
		if e.Status == StatusCompleted {
			if leader, draw := e.Leader(); !draw {
				s.Winner = leader
			}
		}
	case KindAuction:
		if a := e.Auction; a != nil {
			remaining := a.EndsAt.Sub(now)
			if remaining < 0 {
				remaining = 0
			}
			s.Auction = &AuctionView{
				CurrentBid:     a.CurrentBid,
				BidIncrement:   a.BidIncrement,
				MinimumNextBid: a.MinimumNextBid(),
				HighBidder:     a.HighBidder,
				BidCount:       a.BidCount,
				EndsAt:         a.EndsAt,
				TimeRemaining:  remaining,
			}
			if e.Status == StatusCompleted {
				s.Winner = a.HighBidder
			}
		}
	case KindBetting:
		if m := e.Market; m != nil {
			c := m.Clone()
			s.Market = &MarketView{
				Positions:        c.Positions,
				Pot:              c.Pot,
				Stakes:           c.Stakes,
				Odds:             c.Odds(),
				ExpiresAt:        c.ExpiresAt,
				ResolvedPosition: c.ResolvedPosition,
			}
		}
	}
	return s
}
