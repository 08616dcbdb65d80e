package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// EncounterRecord は encounters テーブルの行です。
type EncounterRecord struct {
	ID          string         `gorm:"primaryKey;size:64"`
	Kind        string         `gorm:"size:16;not null;index"`
	Status      string         `gorm:"size:16;not null;index"`
	OwnerID     string         `gorm:"size:64"`
	Auction     datatypes.JSON `gorm:"type:jsonb"`
	Market      datatypes.JSON `gorm:"type:jsonb"`
	ClosesAt    *time.Time     `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time `gorm:"index"`
}

func (EncounterRecord) TableName() string { return "encounters" }

// ParticipantRecord は参加者の並び順(Seat)を保持します。
type ParticipantRecord struct {
	EncounterID string `gorm:"primaryKey;size:64"`
	UserID      string `gorm:"primaryKey;size:64;index"`
	Seat        int    `gorm:"not null"`
}

func (ParticipantRecord) TableName() string { return "encounter_participants" }

type CardRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	EncounterID string `gorm:"size:64;not null;index"`
	OwnerID     string `gorm:"size:64;not null"`
	Name        string
}

func (CardRecord) TableName() string { return "encounter_cards" }

type ModifierRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	CardID     string `gorm:"size:64;not null;index"`
	Name       string
	TargetStat string  `gorm:"size:32"`
	Type       string  `gorm:"size:16;not null"`
	Value      float64 `gorm:"not null"`
	StartedAt  *time.Time
	DurationMS *int64
	CreatedAt  time.Time
}

func (ModifierRecord) TableName() string { return "card_modifiers" }

// RoundRecord の (encounter_id, number) は一意で、連番の重複を防ぎます。
type RoundRecord struct {
	ID          string         `gorm:"primaryKey;size:64"`
	EncounterID string         `gorm:"size:64;not null;uniqueIndex:idx_round_sequence"`
	Number      int            `gorm:"not null;uniqueIndex:idx_round_sequence"`
	Winner      string         `gorm:"size:64"`
	Draw        bool           `gorm:"not null"`
	Magnitude   float64        `gorm:"not null"`
	Effects     datatypes.JSON `gorm:"type:jsonb"`
	StartedAt   time.Time
	EndedAt     time.Time
}

func (RoundRecord) TableName() string { return "encounter_rounds" }

type MoveRecord struct {
	ID            string          `gorm:"primaryKey;size:64"`
	RoundID       string          `gorm:"size:64;not null;index"`
	ParticipantID string          `gorm:"size:64;not null;index"`
	CardID        string          `gorm:"size:64"`
	Action        string          `gorm:"size:16;not null"`
	TargetCardID  string          `gorm:"size:64"`
	PowerupID     string          `gorm:"size:64"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,4)"`
	Position      string          `gorm:"size:64"`
	Magnitude     float64
	SubmittedAt   time.Time
}

func (MoveRecord) TableName() string { return "encounter_moves" }

type RankingRow struct {
	ParticipantID string    `gorm:"primaryKey;size:64"`
	Period        string    `gorm:"primaryKey;size:16"`
	PeriodStart   time.Time `gorm:"primaryKey"`
	PeriodEnd     time.Time
	Wins          int
	Losses        int
	Draws         int
	Total         int
	WinRate       float64
	AvgMagnitude  float64
	Score         float64 `gorm:"index"`
	UpdatedAt     time.Time
}

func (RankingRow) TableName() string { return "ranking_records" }
