// Package feed turns order change notifications into match attempts.
//
// A change event mirrors a stream record from the order store: an event
// name, the partition (material), and the new image of the written record.
// Only creations carry work; removals, modifications and image-less events
// are skipped.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"material-market/internal/keys"
	"material-market/internal/models"
)

var (
	ErrNoImage        = errors.New("change event has no new image")
	ErrNotCreation    = errors.New("change event is not a creation")
	ErrMalformedEvent = errors.New("malformed change event")
)

type EventName string

const (
	EventInsert EventName = "INSERT"
	EventModify EventName = "MODIFY"
	EventRemove EventName = "REMOVE"
)

// Image is the order record as written to the store.
type Image struct {
	Material     string      `json:"material"`
	SortKey      string      `json:"sk"`
	Type         models.Side `json:"type"`
	Quantity     int64       `json:"quantity"`
	PricePerUnit int64       `json:"pricePerUnit"`
	OrderID      string      `json:"orderId"`
}

type ChangeEvent struct {
	EventID   string    `json:"eventId"`
	EventName EventName `json:"eventName"`
	Material  string    `json:"material"`
	NewImage  *Image    `json:"newImage,omitempty"`
}

// NewInsertEvent describes the creation of o.
func NewInsertEvent(o *models.Order) ChangeEvent {
	return ChangeEvent{
		EventID:   uuid.NewString(),
		EventName: EventInsert,
		Material:  o.Material,
		NewImage: &Image{
			Material:     o.Material,
			SortKey:      o.SortKey,
			Type:         o.Side,
			Quantity:     o.Quantity,
			PricePerUnit: o.PricePerUnit,
			OrderID:      o.OrderID,
		},
	}
}

func EncodeEvent(ev ChangeEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeEvent parses a change event and, for creations, the order it
// carries. The returned event is populated whenever the JSON parsed, so
// callers can log its ID even when the error is non-nil.
func DecodeEvent(data []byte) (ChangeEvent, *models.Order, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch ev.EventName {
	case EventRemove:
		return ev, nil, ErrNoImage
	case EventModify:
		return ev, nil, ErrNotCreation
	case EventInsert:
	default:
		return ev, nil, fmt.Errorf("%w: event name %q", ErrMalformedEvent, ev.EventName)
	}
	if ev.NewImage == nil {
		return ev, nil, ErrNoImage
	}

	img := ev.NewImage
	if ev.Material != "" && img.Material != "" && ev.Material != img.Material {
		return ev, nil, fmt.Errorf("%w: material %q in a %q event", ErrMalformedEvent, img.Material, ev.Material)
	}
	o := &models.Order{
		Material:     img.Material,
		SortKey:      img.SortKey,
		Side:         img.Type,
		Quantity:     img.Quantity,
		PricePerUnit: img.PricePerUnit,
		OrderID:      img.OrderID,
	}
	if o.Material == "" {
		o.Material = ev.Material
	}
	if err := o.Validate(); err != nil {
		return ev, nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := keys.Verify(o); err != nil {
		return ev, nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, o, nil
}

// Skippable reports whether err marks an event that carries no work.
func Skippable(err error) bool {
	return errors.Is(err, ErrNoImage) || errors.Is(err, ErrNotCreation)
}
