package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{
		OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected,
		OrderStatusExpired, OrderStatusFailed,
	}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}
	assert.False(t, OrderStatusNew.Terminal())
	assert.False(t, OrderStatusPartiallyFilled.Terminal())
}

func TestSideMappingByDirection(t *testing.T) {
	assert.Equal(t, SideBuy, EntrySide(DirectionLong))
	assert.Equal(t, SideSell, ExitSide(DirectionLong))
	assert.Equal(t, SideSell, EntrySide(DirectionShort))
	assert.Equal(t, SideBuy, ExitSide(DirectionShort))
}
