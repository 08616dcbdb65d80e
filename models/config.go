package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config 構造体はサーバー全体の設定情報を保持します。
type Config struct {
	DBHost     string `json:"db_host"`
	DBUser     string `json:"db_user"`
	DBPassword string `json:"db_password"`
	DBName     string `json:"db_name"`
	DBSSLMode  string `json:"db_sslmode"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	ListenAddr     string   `json:"listen_addr"`
	JWTSecret      string   `json:"jwt_secret"`
	AllowedOrigins []string `json:"allowed_origins"`
	Development    bool     `json:"development"`

	Rules   RulesConfig   `json:"rules"`
	Ranking RankingConfig `json:"ranking"`
	Sync    SyncConfig    `json:"sync"`
	Archive ArchiveConfig `json:"archive"`
}

// RulesConfig は対戦ルールとスコア表の設定です。
type RulesConfig struct {
	MaxRounds    int                `json:"max_rounds"`
	WinsToClinch int                `json:"wins_to_clinch"`
	Scoring      map[string]float64 `json:"scoring"`
}

// RankingConfig はランキングスコアの重みです。
type RankingConfig struct {
	WinWeight       float64  `json:"win_weight"`
	WinRateWeight   float64  `json:"win_rate_weight"`
	MagnitudeWeight float64  `json:"magnitude_weight"`
	RetryAttempts   int      `json:"retry_attempts"`
	RetryBackoff    Duration `json:"retry_backoff"`
}

// SyncConfig は定期同期の間隔です。
type SyncConfig struct {
	BattleInterval  Duration `json:"battle_interval"`
	AuctionInterval Duration `json:"auction_interval"`
	BettingInterval Duration `json:"betting_interval"`
}

// ArchiveConfig は終了した対戦記録の保存先(S3互換ストレージ)です。
type ArchiveConfig struct {
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// ApplyDefaults は未設定の項目にデフォルト値を入れます。
func (c *Config) ApplyDefaults() {
	if c.DBSSLMode == "" {
		c.DBSSLMode = "disable"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Rules.MaxRounds <= 0 {
		c.Rules.MaxRounds = 10
	}
	if c.Rules.WinsToClinch <= 0 {
		c.Rules.WinsToClinch = 6
	}
	if c.Ranking.WinWeight == 0 && c.Ranking.WinRateWeight == 0 && c.Ranking.MagnitudeWeight == 0 {
		c.Ranking.WinWeight = 100
		c.Ranking.WinRateWeight = 50
		c.Ranking.MagnitudeWeight = 0.1
	}
	if c.Ranking.RetryAttempts <= 0 {
		c.Ranking.RetryAttempts = 3
	}
	if c.Ranking.RetryBackoff.Duration <= 0 {
		c.Ranking.RetryBackoff.Duration = 500 * time.Millisecond
	}
	if c.Sync.BattleInterval.Duration <= 0 {
		c.Sync.BattleInterval.Duration = 10 * time.Second
	}
	if c.Sync.AuctionInterval.Duration <= 0 {
		c.Sync.AuctionInterval.Duration = 30 * time.Second
	}
	if c.Sync.BettingInterval.Duration <= 0 {
		c.Sync.BettingInterval.Duration = 60 * time.Second
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "encounters"
	}
	if c.Archive.Region == "" {
		c.Archive.Region = "auto"
	}
}

// Duration は "10s" のような文字列で書ける time.Duration です。
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
