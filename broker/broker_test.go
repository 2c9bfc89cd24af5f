package broker_test

import (
	"testing"

	"github.com/relaykit/relaykit/broker"
	"github.com/stretchr/testify/assert"
)

func TestMatchRoutingKey(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"billing.*", "billing.charge", true},
		{"billing.*", "billing.charge.extra", false},
		{"billing.*", "payments.charge", false},
		{"billing.#", "billing.charge.extra", true},
		{"billing.#", "billing", true},
		{"#", "anything.goes.here", true},
		{"billing.charge", "billing.charge", true},
		{"billing.charge", "billing.refund", false},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+"/"+tc.key, func(t *testing.T) {
			assert.Equal(t, tc.want, broker.MatchRoutingKey(tc.pattern, tc.key))
		})
	}
}
