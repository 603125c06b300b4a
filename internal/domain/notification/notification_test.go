package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/grocer-orders/internal/domain/orderitem"
)

func statusEvent(to orderitem.Status, by orderitem.Role) orderitem.Event {
	return orderitem.Event{
		Kind:        orderitem.EventStatusChanged,
		OrderItemID: 5,
		ProductID:   50,
		To:          to,
		ActingRole:  by,
		Parties:     orderitem.Parties{BuyerID: 1, ShopID: 10},
		OccurredAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestAddress_RoutesToCounterActor(t *testing.T) {
	tests := []struct {
		to        orderitem.Status
		by        orderitem.Role
		wantType  EventType
		wantActor orderitem.Actor
	}{
		{orderitem.StatusToReceive, orderitem.RoleShop, TypeOrderAccepted, orderitem.Actor{Role: orderitem.RoleBuyer, ID: 1}},
		{orderitem.StatusCancelByShop, orderitem.RoleShop, TypeOrderCancelledByShop, orderitem.Actor{Role: orderitem.RoleBuyer, ID: 1}},
		{orderitem.StatusCancelByUser, orderitem.RoleBuyer, TypeOrderCancelledByUser, orderitem.Actor{Role: orderitem.RoleShop, ID: 10}},
		{orderitem.StatusComplete, orderitem.RoleBuyer, TypeOrderCompleted, orderitem.Actor{Role: orderitem.RoleShop, ID: 10}},
	}

	for _, tt := range tests {
		t.Run(string(tt.to), func(t *testing.T) {
			rec, err := Build(statusEvent(tt.to, tt.by))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, rec.Type)
			assert.Equal(t, tt.wantActor, rec.Recipient())
			assert.NotEqual(t, tt.by, rec.RecipientRole)
		})
	}
}

func TestAddress_CheckoutNotifiesShop(t *testing.T) {
	ev := statusEvent(orderitem.StatusToOrder, orderitem.RoleBuyer)
	ev.Kind = orderitem.EventCheckedOut

	rec, err := Build(ev)

	require.NoError(t, err)
	assert.Equal(t, TypeNewOrderForShop, rec.Type)
	assert.Equal(t, orderitem.Actor{Role: orderitem.RoleShop, ID: 10}, rec.Recipient())
	require.NotNil(t, rec.RelatedOrderItemID)
	assert.Equal(t, int64(5), *rec.RelatedOrderItemID)
	assert.Equal(t, int64(50), *rec.RelatedProductID)
	assert.Equal(t, int64(10), *rec.RelatedShopID)
	assert.False(t, rec.IsRead)
	assert.Zero(t, rec.ID)
}

func TestAddress_RatingNotifiesShop(t *testing.T) {
	ev := statusEvent(orderitem.StatusComplete, orderitem.RoleBuyer)
	ev.Kind = orderitem.EventRated
	ev.Score = 5

	rec, err := Build(ev)

	require.NoError(t, err)
	assert.Equal(t, TypeProductRated, rec.Type)
	assert.Contains(t, rec.Message, "5/5")
}

func TestAddress_SelfAddressRejected(t *testing.T) {
	_, err := Address(statusEvent(orderitem.StatusToReceive, orderitem.RoleBuyer))
	assert.ErrorIs(t, err, ErrSelfAddress)
}

func TestAddress_Unroutable(t *testing.T) {
	_, err := Address(statusEvent(orderitem.StatusToOrder, orderitem.RoleShop))
	assert.ErrorIs(t, err, ErrUnroutable)

	ev := statusEvent(orderitem.StatusToReceive, orderitem.RoleShop)
	ev.Kind = "Unknown"
	_, err = Address(ev)
	assert.ErrorIs(t, err, ErrUnroutable)
}

func TestBuild_CancelMessageCarriesReason(t *testing.T) {
	ev := statusEvent(orderitem.StatusCancelByShop, orderitem.RoleShop)
	reason := "out of stock"
	ev.CancelReason = &reason

	rec, err := Build(ev)

	require.NoError(t, err)
	assert.Contains(t, rec.Message, "out of stock")
	assert.Equal(t, ev.OccurredAt, rec.CreatedAt)
}
