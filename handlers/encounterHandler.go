package handlers

import (
	"context"
	"net/http"
	"time"

	"arenaserver/arena/room"
	"arenaserver/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EncounterReader はスナップショット作成に必要な読み取りだけを表します。
type EncounterReader interface {
	GetEncounter(ctx context.Context, id string) (*models.Encounter, error)
}

type RankingReader interface {
	ListRankingRecords(ctx context.Context, participantID string) ([]models.RankingRecord, error)
}

func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// EncounterHandler はEncounterの現在のスナップショットを返します。
func EncounterHandler(c *gin.Context, st EncounterReader, logger *zap.Logger) {
	enc, err := st.GetEncounter(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, models.NewSnapshot(enc, time.Now()))
}

// RankingHandler は参加者の期間別ランキングを返します。
func RankingHandler(c *gin.Context, st RankingReader, logger *zap.Logger) {
	userID := c.Param("userId")
	records, err := st.ListRankingRecords(c.Request.Context(), userID)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	if records == nil {
		records = []models.RankingRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"participantId": userID, "rankings": records})
}

// RoomMembersHandler はライブルームの参加ユーザーを返します。
func RoomMembersHandler(c *gin.Context, registry *room.Registry) {
	kind := models.EncounterKind(c.Param("kind"))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind"})
		return
	}
	key := room.Key{Kind: kind, ID: c.Param("id")}
	if _, live := registry.Snapshot(key); !live {
		c.JSON(http.StatusNotFound, gin.H{"error": "room is not live"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room":    key.String(),
		"members": registry.Members(key),
		"sealed":  registry.Sealed(key),
	})
}
