package keeper

import (
	"testing"

	fpmath "PerpSettle/internal/math"

	"github.com/stretchr/testify/require"
)

func TestFee(t *testing.T) {
	schedule := Schedule(map[string]fpmath.UFixed6{"rebalance": 2_000_000}, 500_000)

	tests := []struct {
		name   string
		comp   Compensation
		action string
		maxFee fpmath.UFixed6
		want   fpmath.UFixed6
	}{
		{"nil compensation", nil, "deploy", fpmath.MaxUFixed6, 0},
		{"fixed under cap", Fixed(500_000), "deploy", 1_000_000, 500_000},
		{"fixed capped", Fixed(500_000), "deploy", 300_000, 300_000},
		{"zero cap", Fixed(500_000), "deploy", 0, 0},
		{"scheduled action", schedule, "rebalance", fpmath.MaxUFixed6, 2_000_000},
		{"scheduled default", schedule, "withdraw", fpmath.MaxUFixed6, 500_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Fee(tt.comp, tt.action, tt.maxFee))
		})
	}
}
