package models

import "time"

type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodAllTime Period = "all_time"
)

var Periods = []Period{PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodAllTime}

// RankingRecord は参加者・期間ごとの集計結果です。履歴から再計算される派生データです。
type RankingRecord struct {
	ParticipantID string    `json:"participantId"`
	Period        Period    `json:"period"`
	PeriodStart   time.Time `json:"periodStart"`
	PeriodEnd     time.Time `json:"periodEnd"`
	Wins          int       `json:"wins"`
	Losses        int       `json:"losses"`
	Draws         int       `json:"draws"`
	Total         int       `json:"total"`
	WinRate       float64   `json:"winRate"`
	AvgMagnitude  float64   `json:"avgMagnitude"`
	Score         float64   `json:"score"`
}
