package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	d, err := Parse("0.001")
	assert.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("0.001")), "parsed value")

	d, err = Parse("0")
	assert.NoError(t, err, "zero is a valid bounty amount")
	assert.True(t, d.IsZero())

	_, err = Parse("-1")
	assert.ErrorIs(t, err, ErrNegative)

	_, err = Parse("not-a-number")
	assert.Error(t, err)
}

func TestParsePositive(t *testing.T) {
	_, err := ParsePositive("0")
	assert.ErrorIs(t, err, ErrNotPositive)

	_, err = ParsePositive("-0.01")
	assert.ErrorIs(t, err, ErrNegative)

	d, err := ParsePositive("5")
	assert.NoError(t, err)
	assert.True(t, d.Equal(decimal.NewFromInt(5)))
}

func TestClamp(t *testing.T) {
	assert.True(t, Clamp(decimal.RequireFromString("-0.2")).IsZero(), "negative clamps to zero")
	assert.True(t, Clamp(decimal.RequireFromString("0.2")).Equal(decimal.RequireFromString("0.2")), "positive unchanged")
}
