package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()

	free := c.Get(Freemium)
	assert.True(t, free.IsFree())
	assert.Equal(t, "0.5", free.DailyLimit.String())
	assert.Equal(t, 15*time.Second, free.MinInterval)
	assert.Equal(t, 30*time.Second, free.MaxInterval)

	starter := c.Get(Starter)
	assert.Equal(t, "99", starter.Price.String())
	assert.Equal(t, "0.3", starter.CommissionRate.String())

	elite := c.Get(Elite)
	assert.Equal(t, 5*time.Second, elite.MinInterval)
	assert.Equal(t, 12*time.Second, elite.MaxInterval)
	assert.True(t, elite.MaxInterval < free.MaxInterval, "higher tiers must run more often")
}

func TestCatalog_UnknownTierFallsBack(t *testing.T) {
	c := Default()

	p := c.Get("platinum")
	assert.Equal(t, Freemium, p.Tier)
	assert.False(t, c.Has("platinum"))
	assert.True(t, c.Has("GOLD"))
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte(`tiers: {}`))
	require.Error(t, err)

	_, err = Parse([]byte(`
tiers:
  basic:
    price: "-1"
    daily_limit: "1"
    commission_rate: "0.1"
    min_interval: 1s
    max_interval: 2s
`))
	require.Error(t, err)

	_, err = Parse([]byte(`
tiers:
  basic:
    price: "1"
    daily_limit: "1"
    commission_rate: "0.1"
    min_interval: 5s
    max_interval: 2s
`))
	require.Error(t, err)
}

func TestParse_CustomDefault(t *testing.T) {
	c, err := Parse([]byte(`
default: basic
tiers:
  basic:
    price: "10"
    daily_limit: "2"
    commission_rate: "0.1"
    min_interval: 1s
    max_interval: 2s
`))
	require.NoError(t, err)
	assert.Equal(t, Tier("basic"), c.Get("missing").Tier)
	assert.Equal(t, "1", c.Fallback().GainMultiplier.String())
}
