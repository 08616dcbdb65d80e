package gateway

import (
	"context"

	"arenaserver/models"

	"go.uber.org/zap"
)

// Settler hands closed auctions and markets to the payment side.
type Settler interface {
	SettleAuction(ctx context.Context, enc *models.Encounter) error
	SettleMarket(ctx context.Context, enc *models.Encounter) error
}

// LogSettler only records the settlement.
type LogSettler struct {
	Logger *zap.Logger
}

func (s LogSettler) SettleAuction(_ context.Context, enc *models.Encounter) error {
	fields := []zap.Field{zap.String("auction", enc.ID), zap.String("seller", enc.OwnerID)}
	if a := enc.Auction; a != nil {
		fields = append(fields,
			zap.String("winner", a.HighBidder),
			zap.String("price", a.CurrentBid.String()),
			zap.Int("bids", a.BidCount))
	}
	s.Logger.Info("Auction settled", fields...)
	return nil
}

func (s LogSettler) SettleMarket(_ context.Context, enc *models.Encounter) error {
	fields := []zap.Field{zap.String("market", enc.ID)}
	if m := enc.Market; m != nil {
		fields = append(fields,
			zap.String("pot", m.Pot.String()),
			zap.String("resolved", m.ResolvedPosition))
	}
	s.Logger.Info("Market settled", fields...)
	return nil
}
