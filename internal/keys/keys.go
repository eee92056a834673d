// Package keys is the single place where order sort keys are built and parsed.
//
// A sort key is "{Side}:{price}:{orderId}". The price is a left-zero-padded
// decimal integer of exactly PriceWidth digits, so lexicographic order of keys
// within one side equals numeric price order. The order ID comes last and only
// makes keys unique; because IDs are UUIDv7 strings they also sort by creation
// time, which gives earlier orders priority at an equal price.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"material-market/internal/models"
)

const (
	// PriceWidth is the number of digits every encoded price occupies.
	PriceWidth = 9
	// MaxPrice is the largest price that fits in PriceWidth digits.
	MaxPrice int64 = 999_999_999

	separator = ":"
)

var (
	ErrPriceOutOfRange = errors.New("price out of encodable range")
	ErrMalformedKey    = errors.New("malformed sort key")
	ErrInvalidSide     = errors.New("invalid side")
	ErrKeyMismatch     = errors.New("sort key does not match order fields")
)

// Key is a decoded sort key.
type Key struct {
	Side    models.Side
	Price   int64
	OrderID string
}

func (k Key) String() string {
	s, err := Encode(k.Side, k.Price, k.OrderID)
	if err != nil {
		return ""
	}
	return s
}

// EncodePrice renders price as exactly PriceWidth decimal digits.
// Zero is encodable so it can serve as a range bound; negative values and
// values wider than PriceWidth are rejected rather than clamped.
func EncodePrice(price int64) (string, error) {
	if price < 0 || price > MaxPrice {
		return "", fmt.Errorf("%w: %d", ErrPriceOutOfRange, price)
	}
	return fmt.Sprintf("%0*d", PriceWidth, price), nil
}

// DecodePrice parses a price produced by EncodePrice.
func DecodePrice(s string) (int64, error) {
	if len(s) != PriceWidth {
		return 0, fmt.Errorf("%w: price %q must be %d digits", ErrMalformedKey, s, PriceWidth)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("%w: price %q is not decimal", ErrMalformedKey, s)
		}
	}
	return strconv.ParseInt(s, 10, 64)
}

// Prefix returns the key prefix shared by every order on one side.
func Prefix(side models.Side) (string, error) {
	if !side.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	return string(side) + separator, nil
}

// PricePrefix returns the key prefix shared by every order at one price level.
func PricePrefix(side models.Side, price int64) (string, error) {
	prefix, err := Prefix(side)
	if err != nil {
		return "", err
	}
	p, err := EncodePrice(price)
	if err != nil {
		return "", err
	}
	return prefix + p + separator, nil
}

// Encode builds the sort key for a new order.
func Encode(side models.Side, price int64, orderID string) (string, error) {
	if price <= 0 {
		return "", fmt.Errorf("%w: %d", ErrPriceOutOfRange, price)
	}
	if orderID == "" {
		return "", fmt.Errorf("%w: empty order id", ErrMalformedKey)
	}
	prefix, err := PricePrefix(side, price)
	if err != nil {
		return "", err
	}
	return prefix + orderID, nil
}

// Decode splits a sort key back into its parts.
func Decode(sortKey string) (Key, error) {
	parts := strings.SplitN(sortKey, separator, 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrMalformedKey, sortKey)
	}
	side := models.Side(parts[0])
	if !side.IsValid() {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidSide, parts[0])
	}
	price, err := DecodePrice(parts[1])
	if err != nil {
		return Key{}, err
	}
	if price <= 0 {
		return Key{}, fmt.Errorf("%w: zero price in %q", ErrMalformedKey, sortKey)
	}
	if parts[2] == "" {
		return Key{}, fmt.Errorf("%w: empty order id in %q", ErrMalformedKey, sortKey)
	}
	return Key{Side: side, Price: price, OrderID: parts[2]}, nil
}

// Verify checks that an order's sort key agrees with its side, price and ID.
func Verify(o *models.Order) error {
	k, err := Decode(o.SortKey)
	if err != nil {
		return err
	}
	if k.Side != o.Side || k.Price != o.PricePerUnit || k.OrderID != o.OrderID {
		return fmt.Errorf("%w: %q", ErrKeyMismatch, o.SortKey)
	}
	return nil
}

// Compare orders two sort keys. It is plain byte order; the encoding is what
// makes it meaningful.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}

// PrefixEnd returns the smallest string greater than every string that starts
// with prefix, for use as an exclusive range bound.
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// NewOrderID returns a time-ordered order identifier.
func NewOrderID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate order id: %w", err)
	}
	return id.String(), nil
}
