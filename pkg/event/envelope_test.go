package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeOrderMatched(t *testing.T) {
	matched := OrderMatched{
		MatchID:     "taker-1",
		Symbol:      "KWH",
		BuyOrderID:  "taker",
		SellOrderID: "maker",
		BuyerID:     "alice",
		SellerID:    "bob",
		BuyerPrice:  105,
		SellerPrice: 100,
		DealPrice:   100,
		Amount:      3,
		TakerSide:   SideBuy,
		MatchedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	env, err := New("matchengine", matched)
	require.NoError(t, err)
	assert.Equal(t, TypeOrderMatched, env.Type)
	assert.Equal(t, "taker-1", env.Key)
	assert.Equal(t, Version, env.Version)

	raw, err := Encode(env)
	require.NoError(t, err)

	decoded, payload, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, matched, payload)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	raw, _ := json.Marshal(Envelope{ID: "x", Type: "order.teleported", Version: Version, Payload: json.RawMessage(`{}`)})
	_, _, err := Decode(raw)
	assert.True(t, errors.Is(err, ErrUnknownEventType), "got %v", err)
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	env, err := New("oms", OrderCancel{OrderID: "o1", UserID: "u1"})
	require.NoError(t, err)
	env.Version = 2
	raw, err := Encode(env)
	require.NoError(t, err)

	_, _, err = Decode(raw)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeRejectsInvalidPayload(t *testing.T) {
	cases := map[string]string{
		"zero quantity":   `{"order_id":"o1","user_id":"u1","symbol":"KWH","side":"BUY","price":10,"quantity":0}`,
		"bad side":        `{"order_id":"o1","user_id":"u1","symbol":"KWH","side":"HOLD","price":10,"quantity":1}`,
		"missing user":    `{"order_id":"o1","symbol":"KWH","side":"SELL","price":10,"quantity":1}`,
		"not json object": `[1,2,3]`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			raw, _ := json.Marshal(Envelope{ID: "x", Type: TypeOrderCreate, Version: Version, Payload: json.RawMessage(payload)})
			_, _, err := Decode(raw)
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestOrderMatchedPriceBounds(t *testing.T) {
	m := OrderMatched{MatchID: "t-1", BuyerID: "b", SellerID: "s", BuyerPrice: 100, SellerPrice: 90, DealPrice: 101, Amount: 1}
	assert.ErrorIs(t, m.Validate(), ErrMalformedEvent)

	m.DealPrice = 89
	assert.ErrorIs(t, m.Validate(), ErrMalformedEvent)

	m.DealPrice = 90
	assert.NoError(t, m.Validate())
}

func TestDerivedIDIsStable(t *testing.T) {
	assert.Equal(t, "order.admitted:o1", DerivedID(TypeOrderAdmitted, "o1"))

	a, err := NewWithID(DerivedID(TypeOrderFailed, "o1"), "wallet", OrderFailed{OrderID: "o1", FailureType: FailureWalletNotFound})
	require.NoError(t, err)
	assert.Equal(t, "order.failed:o1", a.ID)
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
	assert.False(t, Side("").Valid())
}

func TestEncodeDecodeOrderMatchFailed(t *testing.T) {
	failed := OrderMatchFailed{
		Match: OrderMatched{
			MatchID: "B1-1", Symbol: "KWH", BuyOrderID: "B1", SellOrderID: "S1",
			BuyerID: "alice", SellerID: "bob", BuyerPrice: 10, SellerPrice: 10, DealPrice: 10,
			Amount: 5, TakerSide: SideBuy, MatchedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Reason:   "seller bob cannot release 5",
		FailedAt: time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
	}
	env, err := NewWithID(DerivedID(TypeOrderMatchFailed, "B1-1"), "wallet", failed)
	require.NoError(t, err)
	assert.Equal(t, "B1-1", env.Key)

	raw, err := Encode(env)
	require.NoError(t, err)
	_, payload, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, failed, payload)

	_, err = New("wallet", OrderMatchFailed{})
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
