// Package submit accepts new orders: it validates them, writes them to the
// order store and announces them on the change feed.
package submit

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"material-market/internal/feed"
	"material-market/internal/keys"
	"material-market/internal/models"
	"material-market/internal/store"
)

// Request is an order as a client submits it. PricePerUnit is a decimal
// amount that must convert to a whole number of price ticks.
type Request struct {
	Material     string          `json:"material"`
	Side         string          `json:"side"`
	Quantity     int64           `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"pricePerUnit"`
}

type Observer interface {
	RecordOrderSubmitted(material string, side models.Side)
}

type Config struct {
	// PriceScale is the number of decimal places one price tick represents.
	PriceScale int32
	Logger     *zap.Logger
	Observer   Observer
}

type Service struct {
	store     store.OrderStore
	publisher feed.Publisher
	scale     int32
	logger    *zap.Logger
	observer  Observer
	now       func() time.Time
}

func NewService(s store.OrderStore, publisher feed.Publisher, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		store:     s,
		publisher: publisher,
		scale:     cfg.PriceScale,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		now:       time.Now,
	}
}

// Submit stores a new resting order and publishes its INSERT event. A
// publish failure is logged, not returned: the order is already durable and
// will match when a counter-order's event arrives.
func (s *Service) Submit(ctx context.Context, req Request) (*models.Order, error) {
	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateMaterial(req.Material); err != nil {
		return nil, models.NewValidationError("material", err.Error())
	}
	if req.Quantity <= 0 {
		return nil, models.NewValidationError("quantity", "must be greater than 0")
	}
	price, err := s.Ticks(req.PricePerUnit)
	if err != nil {
		return nil, err
	}

	id, err := keys.NewOrderID()
	if err != nil {
		return nil, fmt.Errorf("order id: %w", err)
	}
	sk, err := keys.Encode(side, price, id)
	if err != nil {
		return nil, models.NewValidationError("pricePerUnit", err.Error())
	}

	o := &models.Order{
		Material:     req.Material,
		SortKey:      sk,
		Side:         side,
		Quantity:     req.Quantity,
		PricePerUnit: price,
		OrderID:      id,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Put(ctx, o); err != nil {
		return nil, fmt.Errorf("store order: %w", err)
	}
	if s.observer != nil {
		s.observer.RecordOrderSubmitted(o.Material, o.Side)
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, feed.NewInsertEvent(o)); err != nil {
			s.logger.Warn("failed to publish order event",
				zap.String("material", o.Material),
				zap.String("order_id", o.OrderID),
				zap.Error(err),
			)
		}
	}

	s.logger.Debug("order submitted",
		zap.String("material", o.Material),
		zap.String("sort_key", o.SortKey),
		zap.Int64("quantity", o.Quantity),
	)
	return o, nil
}

// Ticks converts a decimal price into integer price ticks. Prices finer than
// one tick are rejected rather than rounded.
func (s *Service) Ticks(price decimal.Decimal) (int64, error) {
	ticks := price.Shift(s.scale)
	if !ticks.IsInteger() {
		return 0, models.NewValidationError("pricePerUnit",
			fmt.Sprintf("must have at most %d decimal places", s.scale))
	}
	if ticks.LessThan(decimal.NewFromInt(1)) || ticks.GreaterThan(decimal.NewFromInt(keys.MaxPrice)) {
		return 0, models.NewValidationError("pricePerUnit", "out of range")
	}
	return ticks.IntPart(), nil
}

func parseSide(s string) (models.Side, error) {
	side, err := models.ParseSide(s)
	if err != nil {
		return "", models.NewValidationError("side", err.Error())
	}
	return side, nil
}
