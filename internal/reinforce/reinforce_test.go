package reinforce

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply_DiminishingReturns(t *testing.T) {
	t.Parallel()
	p := Policy{BoostRate: 0.05}

	imp := 0.0
	prevGain := math.Inf(1)
	for n := int64(0); n < 50; n++ {
		next := p.Apply(imp, n)
		gain := next - imp
		require.Less(t, gain, prevGain, "access %d", n)
		require.Greater(t, gain, 0.0, "access %d", n)
		prevGain = gain
		imp = next
	}
}

func TestApply_ClampedUnderRandomSequences(t *testing.T) {
	t.Parallel()
	p := Policy{BoostRate: 0.9}
	rng := rand.New(rand.NewPCG(1, 2))

	for run := 0; run < 200; run++ {
		imp := rng.Float64()
		for n := int64(0); n < 40; n++ {
			imp = p.Apply(imp, n)
			require.GreaterOrEqual(t, imp, 0.0)
			require.LessOrEqual(t, imp, 1.0)
		}
	}
}

func TestApply_NegativeCountTreatedAsFirstAccess(t *testing.T) {
	t.Parallel()
	p := Policy{BoostRate: 0.1}
	assert.InDelta(t, 0.6, p.Apply(0.5, -3), 1e-12)
}

func TestClamp(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.0, Clamp(-0.5))
	assert.Equal(t, 1.0, Clamp(1.5))
	assert.Equal(t, 0.0, Clamp(math.NaN()))
	assert.Equal(t, 0.3, Clamp(0.3))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{BoostRate: -0.1}.Validate())
	assert.Error(t, Policy{BoostRate: 1.1}.Validate())
}
