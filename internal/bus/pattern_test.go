package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"market.price_update", "market.price_update", true},
		{"market.price_update", "market.trade", false},
		{"market.*", "market.price_update", true},
		{"market.*", "market.trade", true},
		{"market.*", "market.", false},
		{"market.*", "order.filled", false},
		{"order.*", "order.filled", true},
		{"*", "anything.at_all", true},
		{"", "market.trade", false},
		{"market.*", "", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, MatchTopic(tc.pattern, tc.topic),
			"pattern=%q topic=%q", tc.pattern, tc.topic)
	}
}
