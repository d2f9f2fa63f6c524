package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func testArch() Architecture {
	return Architecture{
		Name: PooledMLPName, Version: "v1",
		Channels: 3, Height: 8, Width: 8,
		Grid: 4, Hidden: 6, Classes: 5,
	}
}

func constTensor(arch Architecture, fill func(c, y, x int) float64) *tensor.Dense {
	data := make([]float64, arch.Channels*arch.Height*arch.Width)
	for c := 0; c < arch.Channels; c++ {
		for y := 0; y < arch.Height; y++ {
			for x := 0; x < arch.Width; x++ {
				data[(c*arch.Height+y)*arch.Width+x] = fill(c, y, x)
			}
		}
	}
	return tensor.New(tensor.WithShape(arch.Channels, arch.Height, arch.Width), tensor.WithBacking(data))
}

func toyBatch(arch Architecture) Batch {
	return Batch{
		Inputs: []*tensor.Dense{
			constTensor(arch, func(c, y, x int) float64 { return 0.1 * float64(c+1) }),
			constTensor(arch, func(c, y, x int) float64 { return -0.4 + 0.01*float64(x) }),
			constTensor(arch, func(c, y, x int) float64 { return 0.05 * float64(y) }),
		},
		Labels: []int{1, 2, 4},
	}
}

func TestPooledMLPTrainStepReducesLoss(t *testing.T) {
	arch := testArch()
	m, err := NewPooledMLP(arch, 1)
	require.NoError(t, err)
	m.SetOptimizer(0.2, 0)
	batch := toyBatch(arch)

	first, err := m.TrainStep(batch)
	require.NoError(t, err)
	last := first
	for i := 0; i < 50; i++ {
		last, err = m.TrainStep(batch)
		require.NoError(t, err)
	}
	assert.Less(t, last, first, "expected loss to decrease; first=%f last=%f", first, last)
}

func TestPredictIsDistribution(t *testing.T) {
	arch := testArch()
	m, err := NewPooledMLP(arch, 3)
	require.NoError(t, err)

	probs, err := m.Predict(toyBatch(arch).Inputs[0])
	require.NoError(t, err)
	require.Len(t, probs, 5)
	sum := 0.0
	for _, p := range probs {
		assert.GreaterOrEqual(t, p, 0.0)
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-12)
}

func TestPredictRejectsWrongShape(t *testing.T) {
	m, err := NewPooledMLP(testArch(), 3)
	require.NoError(t, err)
	wrong := tensor.New(tensor.WithShape(3, 4, 4), tensor.WithBacking(make([]float64, 48)))
	_, err = m.Predict(wrong)
	require.Error(t, err)
}

func TestTrainStepValidatesLabels(t *testing.T) {
	arch := testArch()
	m, err := NewPooledMLP(arch, 3)
	require.NoError(t, err)
	batch := toyBatch(arch)
	batch.Labels[0] = 7
	_, err = m.TrainStep(batch)
	require.Error(t, err)

	loss, err := m.TrainStep(Batch{})
	require.NoError(t, err)
	assert.Zero(t, loss)
}

func TestClassWeightsScaleLoss(t *testing.T) {
	arch := testArch()
	batch := Batch{Inputs: toyBatch(arch).Inputs[:1], Labels: []int{3}}

	plain, err := NewPooledMLP(arch, 4)
	require.NoError(t, err)
	weighted, err := NewPooledMLP(arch, 4)
	require.NoError(t, err)
	require.NoError(t, weighted.SetClassWeights([]float64{1, 1, 1, 2, 1}))
	require.Error(t, weighted.SetClassWeights([]float64{1, 1}))
	require.Error(t, weighted.SetClassWeights([]float64{1, 1, math.NaN(), 1, 1}))

	// A single-sample batch normalizes by its own weight, so the reported
	// loss is the same while the update is identical too.
	a, err := plain.TrainStep(batch)
	require.NoError(t, err)
	b, err := weighted.TrainStep(batch)
	require.NoError(t, err)
	assert.InDelta(t, a, b, 1e-12)
}

func TestParamsRoundTrip(t *testing.T) {
	arch := testArch()
	m, err := NewPooledMLP(arch, 9)
	require.NoError(t, err)
	params := m.Params()
	require.Len(t, params, 4)
	assert.Equal(t, []int{6, 48}, params[0].Shape)

	clone, err := FromParams(arch, params)
	require.NoError(t, err)
	assert.Equal(t, params, clone.Params())

	params[3].Data = params[3].Data[:2]
	_, err = FromParams(arch, params)
	require.Error(t, err)
}

func TestArchitectureValidate(t *testing.T) {
	arch := testArch()
	require.NoError(t, arch.Validate())
	arch.Grid = 9
	require.Error(t, arch.Validate())
	arch = testArch()
	arch.Version = ""
	require.Error(t, arch.Validate())
}
