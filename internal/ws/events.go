package ws

import (
	"time"

	"material-market/internal/models"
)

type EventType string

const (
	EventTypeFill      EventType = "fill"
	EventTypeSnapshot  EventType = "snapshot"
	EventTypeHeartbeat EventType = "heartbeat"
	EventTypeError     EventType = "error"
)

// FillEvent announces one committed fill.
type FillEvent struct {
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Material  string       `json:"material"`
	Fill      *models.Fill `json:"fill"`
}

func NewFillEvent(f *models.Fill) *FillEvent {
	return &FillEvent{
		Type:      EventTypeFill,
		Timestamp: time.Now(),
		Material:  f.Material,
		Fill:      f,
	}
}

// PriceLevel aggregates the resting quantity at one price.
type PriceLevel struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
	Orders   int   `json:"orders"`
}

// SnapshotEvent is sent once when a client connects.
type SnapshotEvent struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Material  string         `json:"material"`
	Bids      []PriceLevel   `json:"bids"`
	Asks      []PriceLevel   `json:"asks"`
	Fills     []*models.Fill `json:"fills"`
	Sequence  int64          `json:"sequence"`
}

type HeartbeatEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
}

func NewHeartbeatEvent(sequence int64) *HeartbeatEvent {
	return &HeartbeatEvent{
		Type:      EventTypeHeartbeat,
		Timestamp: time.Now(),
		Sequence:  sequence,
	}
}

type ErrorEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}

func NewErrorEvent(code, message string) *ErrorEvent {
	return &ErrorEvent{
		Type:      EventTypeError,
		Timestamp: time.Now(),
		Code:      code,
		Message:   message,
	}
}

// Levels folds a side of the book, already in priority order, into price
// levels, keeping at most depth of them.
func Levels(orders []*models.Order, depth int) []PriceLevel {
	levels := make([]PriceLevel, 0)
	for _, o := range orders {
		if n := len(levels); n > 0 && levels[n-1].Price == o.PricePerUnit {
			levels[n-1].Quantity += o.Quantity
			levels[n-1].Orders++
			continue
		}
		if depth > 0 && len(levels) == depth {
			break
		}
		levels = append(levels, PriceLevel{Price: o.PricePerUnit, Quantity: o.Quantity, Orders: 1})
	}
	return levels
}
