package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"bithumb-gridbot/internal/core"
)

// Exchange is the order surface the cycle engine drives. Prices are integer
// KRW; units are coin amounts.
type Exchange interface {
	Name() string
	Balance(ctx context.Context) (core.Balance, error)
	CurrentPrice(ctx context.Context) (int64, error)
	PlacedOrders(ctx context.Context) ([]core.TradeRecord, error)
	ProcessedOrders(ctx context.Context, offset, count int) ([]core.TradeRecord, error)
	CancelOrder(ctx context.Context, side core.Side, id string) error
	PlaceLimitOrder(ctx context.Context, side core.Side, units decimal.Decimal, price int64) (string, error)
	PlaceMarketOrder(ctx context.Context, side core.Side, units decimal.Decimal) (string, error)
}
