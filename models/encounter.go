package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// EncounterKind は対戦・オークション・賭けマーケットの種別です。
type EncounterKind string

const (
	KindBattle  EncounterKind = "battle"
	KindAuction EncounterKind = "auction"
	KindBetting EncounterKind = "betting"
)

func (k EncounterKind) Valid() bool {
	switch k {
	case KindBattle, KindAuction, KindBetting:
		return true
	}
	return false
}

type EncounterStatus string

const (
	StatusWaiting   EncounterStatus = "waiting"
	StatusActive    EncounterStatus = "active"
	StatusCompleted EncounterStatus = "completed"
	StatusCancelled EncounterStatus = "cancelled"
)

// Terminal reports whether no further rounds may be produced.
func (s EncounterStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type ActionKind string

const (
	ActionAttack   ActionKind = "attack"
	ActionDefend   ActionKind = "defend"
	ActionSpecial  ActionKind = "special"
	ActionRaiseBid ActionKind = "raise-bid"
	ActionProxyBid ActionKind = "proxy-bid"
	ActionPlaceBet ActionKind = "place-bet"
)

type ModifierType string

const (
	ModifierAdd      ModifierType = "add"
	ModifierMultiply ModifierType = "multiply"
)

// Modifier はカードに付与される時間制限付きの補正(パワーアップ)です。
// StartedAt が nil のものは未使用のパワーアップで、Move の powerupId で発動します。
type Modifier struct {
	ID         string         `json:"id"`
	CardID     string         `json:"cardId"`
	Name       string         `json:"name,omitempty"`
	TargetStat string         `json:"targetStat,omitempty"`
	Type       ModifierType   `json:"type"`
	Value      float64        `json:"value"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	Duration   *time.Duration `json:"duration,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func (m Modifier) Dormant() bool {
	return m.StartedAt == nil
}

func (m Modifier) ActiveAt(now time.Time) bool {
	if m.StartedAt == nil || now.Before(*m.StartedAt) {
		return false
	}
	return !m.ExpiredAt(now)
}

func (m Modifier) ExpiredAt(now time.Time) bool {
	if m.StartedAt == nil || m.Duration == nil {
		return false
	}
	return !now.Before(m.StartedAt.Add(*m.Duration))
}

// Applies reports whether the modifier adjusts the outcome of the given action.
func (m Modifier) Applies(action ActionKind) bool {
	return m.TargetStat == "" || m.TargetStat == "magnitude" || m.TargetStat == string(action)
}

type Card struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	Name      string     `json:"name,omitempty"`
	Modifiers []Modifier `json:"modifiers,omitempty"`
}

// Modifier returns the modifier with the given id attached to the card.
func (c Card) Modifier(id string) (Modifier, bool) {
	for _, m := range c.Modifiers {
		if m.ID == id {
			return m, true
		}
	}
	return Modifier{}, false
}

type EffectType string

const (
	EffectAction   EffectType = "action"
	EffectModifier EffectType = "modifier"
	EffectPowerup  EffectType = "powerup-activated"
	EffectBid      EffectType = "bid"
	EffectBet      EffectType = "bet"
)

type Effect struct {
	Type       EffectType `json:"type"`
	Source     string     `json:"source,omitempty"`
	Target     string     `json:"target,omitempty"`
	Stat       string     `json:"stat,omitempty"`
	ModifierID string     `json:"modifierId,omitempty"`
	Value      float64    `json:"value"`
}

// Move は参加者1人の1手です。入札(Bid)・賭け(Bet)も同じ形で表現します。
type Move struct {
	ID            string          `json:"id"`
	RoundID       string          `json:"roundId,omitempty"`
	ParticipantID string          `json:"participantId"`
	CardID        string          `json:"cardId,omitempty"`
	Action        ActionKind      `json:"action"`
	TargetCardID  string          `json:"targetCardId,omitempty"`
	PowerupID     string          `json:"powerupId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Position      string          `json:"position,omitempty"`
	Magnitude     float64         `json:"magnitude"`
	SubmittedAt   time.Time       `json:"submittedAt"`
}

// Round は解決済みのラウンドです。一度保存されたら変更しません。
type Round struct {
	ID          string    `json:"id"`
	EncounterID string    `json:"encounterId"`
	Number      int       `json:"number"`
	Winner      string    `json:"winner,omitempty"`
	Draw        bool      `json:"draw"`
	Magnitude   float64   `json:"magnitude"`
	Effects     []Effect  `json:"effects,omitempty"`
	Moves       []Move    `json:"moves,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`
}

type AuctionState struct {
	StartPrice      decimal.Decimal `json:"startPrice"`
	CurrentBid      decimal.Decimal `json:"currentBid"`
	BidIncrement    decimal.Decimal `json:"bidIncrement"`
	HighBidder      string          `json:"highBidder,omitempty"`
	BidCount        int             `json:"bidCount"`
	EndsAt          time.Time       `json:"endsAt"`
	SoftCloseWindow time.Duration   `json:"softCloseWindow"`
	ProxyBids       []ProxyBid      `json:"proxyBids,omitempty"`
}

// ProxyBid は入札者ごとの自動入札の上限額です。上限額はスナップショットに含めません。
type ProxyBid struct {
	Bidder   string          `json:"bidder"`
	Maximum  decimal.Decimal `json:"maximum"`
	PlacedAt time.Time       `json:"placedAt"`
}

func (a AuctionState) Clone() AuctionState {
	out := a
	out.ProxyBids = append([]ProxyBid(nil), a.ProxyBids...)
	return out
}

// MinimumNextBid is the threshold a bid has to exceed strictly.
func (a AuctionState) MinimumNextBid() decimal.Decimal {
	return a.CurrentBid.Add(a.BidIncrement)
}

type MarketState struct {
	Positions        []string                   `json:"positions"`
	Pot              decimal.Decimal            `json:"pot"`
	Stakes           map[string]decimal.Decimal `json:"stakes"`
	ExpiresAt        time.Time                  `json:"expiresAt"`
	ResolvedPosition string                     `json:"resolvedPosition,omitempty"`
}

func (m MarketState) HasPosition(position string) bool {
	for _, p := range m.Positions {
		if p == position {
			return true
		}
	}
	return false
}

// Odds returns parimutuel odds per position: pot / stake on that position.
// Positions nobody has backed yet have zero odds.
func (m MarketState) Odds() map[string]decimal.Decimal {
	odds := make(map[string]decimal.Decimal, len(m.Positions))
	for _, p := range m.Positions {
		stake := m.Stakes[p]
		if stake.IsPositive() {
			odds[p] = m.Pot.DivRound(stake, 4)
		} else {
			odds[p] = decimal.Zero
		}
	}
	return odds
}

func (m MarketState) Clone() MarketState {
	out := m
	out.Positions = append([]string(nil), m.Positions...)
	out.Stakes = make(map[string]decimal.Decimal, len(m.Stakes))
	for k, v := range m.Stakes {
		out.Stakes[k] = v
	}
	return out
}

// Encounter は対戦・オークション・賭けマーケットの永続的な状態です。
type Encounter struct {
	ID           string          `json:"id"`
	Kind         EncounterKind   `json:"kind"`
	Status       EncounterStatus `json:"status"`
	OwnerID      string          `json:"ownerId,omitempty"`
	Participants []string        `json:"participants"`
	Cards        map[string]Card `json:"cards,omitempty"`
	Rounds       []Round         `json:"rounds"`
	Auction      *AuctionState   `json:"auction,omitempty"`
	Market       *MarketState    `json:"market,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

func (e *Encounter) IsParticipant(userID string) bool {
	for _, p := range e.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

func (e *Encounter) RoundCount() int {
	return len(e.Rounds)
}

// RoundWins counts resolved round wins per participant. Every participant has an entry.
func (e *Encounter) RoundWins() map[string]int {
	wins := make(map[string]int, len(e.Participants))
	for _, p := range e.Participants {
		wins[p] = 0
	}
	for _, r := range e.Rounds {
		if !r.Draw && r.Winner != "" {
			wins[r.Winner]++
		}
	}
	return wins
}

// Leader returns the participant with the most round wins, or draw when the top is shared.
func (e *Encounter) Leader() (string, bool) {
	wins := e.RoundWins()
	leader, best, tied := "", -1, false
	for _, p := range e.Participants {
		switch w := wins[p]; {
		case w > best:
			leader, best, tied = p, w, false
		case w == best:
			tied = true
		}
	}
	if tied || leader == "" {
		return "", true
	}
	return leader, false
}

// ClosesAt returns the deadline of an auction or market.
func (e *Encounter) ClosesAt() (time.Time, bool) {
	switch {
	case e.Kind == KindAuction && e.Auction != nil:
		return e.Auction.EndsAt, true
	case e.Kind == KindBetting && e.Market != nil:
		return e.Market.ExpiresAt, true
	}
	return time.Time{}, false
}

// Clone returns a deep copy so callers can mutate it without touching the source.
func (e *Encounter) Clone() *Encounter {
	if e == nil {
		return nil
	}
	out := *e
	out.Participants = append([]string(nil), e.Participants...)
	if e.Cards != nil {
		out.Cards = make(map[string]Card, len(e.Cards))
		for id, c := range e.Cards {
			c.Modifiers = append([]Modifier(nil), c.Modifiers...)
			out.Cards[id] = c
		}
	}
	out.Rounds = make([]Round, len(e.Rounds))
	for i, r := range e.Rounds {
		r.Effects = append([]Effect(nil), r.Effects...)
		r.Moves = append([]Move(nil), r.Moves...)
		out.Rounds[i] = r
	}
	if e.Auction != nil {
		a := e.Auction.Clone()
		out.Auction = &a
	}
	if e.Market != nil {
		m := e.Market.Clone()
		out.Market = &m
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// SortModifiers orders modifiers by creation time, then id.
func SortModifiers(mods []Modifier) {
	sort.SliceStable(mods, func(i, j int) bool {
		if !mods[i].CreatedAt.Equal(mods[j].CreatedAt) {
			return mods[i].CreatedAt.Before(mods[j].CreatedAt)
		}
		return mods[i].ID < mods[j].ID
	})
}
