package migrations

import (
	"fmt"

	"arenaserver/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Tables は作成順に並べたマイグレーション対象です。
func Tables() []interface{} {
	return []interface{}{
		&models.EncounterRecord{},
		&models.ParticipantRecord{},
		&models.CardRecord{},
		&models.ModifierRecord{},
		&models.RoundRecord{},
		&models.MoveRecord{},
		&models.RankingRow{},
	}
}

// Migrate はテーブルを作成・更新します。
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	for _, table := range Tables() {
		if err := db.AutoMigrate(table); err != nil {
			logger.Error("マイグレーションに失敗しました", zap.String("table", fmt.Sprintf("%T", table)), zap.Error(err))
			return fmt.Errorf("migrate %T: %w", table, err)
		}
	}
	logger.Info("Tables migrated successfully", zap.Int("tables", len(Tables())))
	return nil
}
