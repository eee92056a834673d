package models

import (
	"errors"
	"time"
)

// Fill records one committed match between a Buy and a Sell of the same material.
// Price is always the resting order's price.
type Fill struct {
	ID          string    `json:"id"`
	Material    string    `json:"material"`
	BuyOrderID  string    `json:"buyOrderId"`
	SellOrderID string    `json:"sellOrderId"`
	BuySortKey  string    `json:"buySortKey"`
	SellSortKey string    `json:"sellSortKey"`
	TakerSide   Side      `json:"takerSide"`
	Price       int64     `json:"price"`
	Quantity    int64     `json:"quantity"`
	TotalCost   int64     `json:"totalCost"`
	ExecutedAt  time.Time `json:"executedAt"`
}

func (f *Fill) Validate() error {
	if f.BuyOrderID == "" {
		return errors.New("buyOrderId is required")
	}
	if f.SellOrderID == "" {
		return errors.New("sellOrderId is required")
	}
	if f.BuyOrderID == f.SellOrderID {
		return errors.New("buyOrderId and sellOrderId must be different")
	}
	if f.Price <= 0 {
		return errors.New("price must be greater than 0")
	}
	if f.Quantity <= 0 {
		return errors.New("quantity must be greater than 0")
	}
	if f.TotalCost != f.Price*f.Quantity {
		return errors.New("totalCost must equal price times quantity")
	}
	return nil
}
