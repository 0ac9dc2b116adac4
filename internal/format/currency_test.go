package format

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrency(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0\u00a0DT"},
		{1000, "1\u202f000\u00a0DT"},
		{999, "999\u00a0DT"},
		{1234567, "1\u202f234\u202f567\u00a0DT"},
		{1234.5, "1\u202f235\u00a0DT"},
		{1234.49, "1\u202f234\u00a0DT"},
		{-2500, "-2\u202f500\u00a0DT"},
		{-0.4, "0\u00a0DT"},
		{math.Copysign(0, -1), "0\u00a0DT"},
		{math.NaN(), "NaN\u00a0DT"},
		{math.Inf(1), "∞\u00a0DT"},
		{math.Inf(-1), "-∞\u00a0DT"},
		{1e18, "1\u202f000\u202f000\u202f000\u202f000\u202f000\u00a0DT"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Currency(tt.in), "Currency(%v)", tt.in)
	}
}

func TestCurrencyDeterministic(t *testing.T) {
	v := 4321.0
	first := Currency(v)
	assert.Equal(t, first, Currency(v))
	assert.Equal(t, 4321.0, v)
}
