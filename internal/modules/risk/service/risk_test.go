package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedFractional_PositionSize(t *testing.T) {
	r := NewFixedFractional(Config{RiskPct: 1, MaxPositionPct: 300, MinStopVolMult: 0.5})

	tests := []struct {
		name             string
		entry, stop, vol float64
		balance          float64
		want             float64
		wantErr          bool
	}{
		// 1% от 10000 = 100 USDT, стоп 50 => 2 единицы
		{name: "risk based", entry: 15000, stop: 15050, balance: 10000, want: 2},
		// ATR 200 * 0.5 = 100 шире стопа 50 => 1 единица
		{name: "volatility floor", entry: 15000, stop: 15050, vol: 200, balance: 10000, want: 1},
		// стоп 1 => 100 единиц, потолок 30000/15000 = 2
		{name: "notional cap", entry: 15000, stop: 15001, balance: 10000, want: 2},
		{name: "zero balance", entry: 15000, stop: 15050, balance: 0, wantErr: true},
		{name: "stop equals entry", entry: 15000, stop: 15000, balance: 10000, wantErr: true},
		{name: "negative price", entry: -1, stop: 15000, balance: 10000, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.PositionSize(tt.entry, tt.stop, tt.vol, tt.balance)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidSize)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestFixedFractional_RequiresRiskPct(t *testing.T) {
	r := NewFixedFractional(Config{})
	_, err := r.PositionSize(100, 99, 0, 1000)
	assert.ErrorIs(t, err, ErrInvalidSize)
}
