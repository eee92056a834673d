package keys

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"material-market/internal/models"
)

func TestEncode(t *testing.T) {
	k, err := Encode(models.Buy, 42, "abc")
	require.NoError(t, err)
	assert.Equal(t, "Buy:000000042:abc", k)

	k, err = Encode(models.Sell, MaxPrice, "x")
	require.NoError(t, err)
	assert.Equal(t, "Sell:999999999:x", k)
}

func TestEncode_Rejects(t *testing.T) {
	_, err := Encode(models.Buy, 0, "abc")
	assert.ErrorIs(t, err, ErrPriceOutOfRange)

	_, err = Encode(models.Buy, MaxPrice+1, "abc")
	assert.ErrorIs(t, err, ErrPriceOutOfRange)

	_, err = Encode("Hold", 10, "abc")
	assert.ErrorIs(t, err, ErrInvalidSide)

	_, err = Encode(models.Sell, 10, "")
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestDecode(t *testing.T) {
	k, err := Decode("Sell:000000090:0192-abc")
	require.NoError(t, err)
	assert.Equal(t, Key{Side: models.Sell, Price: 90, OrderID: "0192-abc"}, k)
	assert.Equal(t, "Sell:000000090:0192-abc", k.String())
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]error{
		"":                               ErrMalformedKey,
		"Buy:000000010":                  ErrMalformedKey,
		"Hold:000000010:id":              ErrInvalidSide,
		"Buy:10:id":                      ErrMalformedKey,
		"Buy:00000000a:id":               ErrMalformedKey,
		"Buy:000000000:id":               ErrMalformedKey,
		"Buy:000000010:":                 ErrMalformedKey,
		"Sell:0000000000000000000000a:x": ErrMalformedKey, // the legacy hex scheme
	}
	for key, want := range cases {
		_, err := Decode(key)
		assert.ErrorIs(t, err, want, "key %q", key)
	}
}

func TestVerify(t *testing.T) {
	o := &models.Order{Side: models.Buy, PricePerUnit: 7, OrderID: "id-1", SortKey: "Buy:000000007:id-1"}
	assert.NoError(t, Verify(o))

	o.PricePerUnit = 8
	assert.ErrorIs(t, Verify(o), ErrKeyMismatch)

	o.SortKey = "garbage"
	assert.ErrorIs(t, Verify(o), ErrMalformedKey)
}

func TestPrefixes(t *testing.T) {
	p, err := Prefix(models.Sell)
	require.NoError(t, err)
	assert.Equal(t, "Sell:", p)

	pp, err := PricePrefix(models.Buy, 8)
	require.NoError(t, err)
	assert.Equal(t, "Buy:000000008:", pp)

	assert.Equal(t, "Sell;", PrefixEnd("Sell:"))
	assert.Equal(t, "b", PrefixEnd("a\xff"))
	assert.Equal(t, "", PrefixEnd("\xff\xff"))
}

func TestNewOrderID_SortsByCreation(t *testing.T) {
	ids := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		id, err := NewOrderID()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.True(t, sort.StringsAreSorted(ids))
}

func TestPriceRoundTrip_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Int64Range(1, MaxPrice).Draw(t, "a")
		b := rapid.Int64Range(1, MaxPrice).Draw(t, "b")
		side := rapid.SampledFrom([]models.Side{models.Buy, models.Sell}).Draw(t, "side")

		ka, err := Encode(side, a, "id")
		if err != nil {
			t.Fatalf("encode %d: %v", a, err)
		}
		kb, err := Encode(side, b, "id")
		if err != nil {
			t.Fatalf("encode %d: %v", b, err)
		}

		da, err := Decode(ka)
		if err != nil || da.Price != a {
			t.Fatalf("round trip of %d gave %d (%v)", a, da.Price, err)
		}

		cmp := Compare(ka, kb)
		switch {
		case a < b && cmp >= 0, a > b && cmp <= 0, a == b && cmp != 0:
			t.Fatalf("key order %d disagrees with prices %d, %d", cmp, a, b)
		}
	})
}

func TestEncodePrice_Bounds(t *testing.T) {
	s, err := EncodePrice(0)
	require.NoError(t, err)
	assert.Equal(t, "000000000", s)

	_, err = EncodePrice(-1)
	assert.True(t, errors.Is(err, ErrPriceOutOfRange))
}
