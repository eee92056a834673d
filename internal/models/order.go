package models

import (
	"errors"
	"strings"
	"time"
)

type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// MaxMaterialLength bounds the partition key so it can be embedded in store keys.
const MaxMaterialLength = 64

// Order is the only persistent entity: a resting Buy or Sell for one material.
// Quantity is the remaining unfilled amount; every other field is fixed at creation.
type Order struct {
	Material     string    `json:"material"`
	SortKey      string    `json:"sortKey"`
	Side         Side      `json:"side"`
	Quantity     int64     `json:"quantity"`
	PricePerUnit int64     `json:"pricePerUnit"`
	OrderID      string    `json:"orderId"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
}

func (o *Order) Validate() error {
	if err := ValidateMaterial(o.Material); err != nil {
		return err
	}
	if !o.Side.IsValid() {
		return errors.New("side must be 'Buy' or 'Sell'")
	}
	if o.Quantity <= 0 {
		return errors.New("quantity must be greater than 0")
	}
	if o.PricePerUnit <= 0 {
		return errors.New("pricePerUnit must be greater than 0")
	}
	if strings.TrimSpace(o.OrderID) == "" {
		return errors.New("orderId is required")
	}
	if o.SortKey == "" {
		return errors.New("sortKey is required")
	}
	return nil
}

// Clone returns a copy safe to hand to another goroutine.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

func ValidateMaterial(material string) error {
	if strings.TrimSpace(material) == "" {
		return errors.New("material is required")
	}
	if len(material) > MaxMaterialLength {
		return errors.New("material must be 64 characters or less")
	}
	if strings.ContainsRune(material, 0) {
		return errors.New("material must not contain NUL bytes")
	}
	return nil
}

func (s Side) IsValid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide accepts "buy"/"sell" in any letter case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return "", errors.New("side must be 'Buy' or 'Sell'")
}
