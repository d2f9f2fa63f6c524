package augment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func ramp(c, h, w int) *tensor.Dense {
	data := make([]float64, c*h*w)
	for i := range data {
		data[i] = float64(i%17)/8.5 - 1
	}
	return tensor.New(tensor.WithShape(c, h, w), tensor.WithBacking(data))
}

func allOn() Options {
	return Options{FlipHorizontal: true, FlipVertical: true, Rotate90: true, Brightness: 0.2, Contrast: 0.2}
}

func TestEvalModeIsIdentity(t *testing.T) {
	in := ramp(3, 8, 8)
	before := append([]float64(nil), in.Data().([]float64)...)

	out, err := New(allOn(), 1, Eval).Apply(in, 3, 7)
	require.NoError(t, err)
	assert.Same(t, in, out)
	assert.Equal(t, before, out.Data().([]float64))

	var nilAug *Augmenter
	out, err = nilAug.Apply(in, 0, 0)
	require.NoError(t, err)
	assert.Same(t, in, out)
}

func TestTrainModePreservesShapeAndInput(t *testing.T) {
	for _, shape := range [][3]int{{3, 8, 8}, {3, 6, 10}} {
		in := ramp(shape[0], shape[1], shape[2])
		before := append([]float64(nil), in.Data().([]float64)...)
		aug := New(allOn(), 9, Train)
		for i := 0; i < 20; i++ {
			out, err := aug.Apply(in, 1, i)
			require.NoError(t, err)
			assert.True(t, out.Shape().Eq(in.Shape()), "shape %v", out.Shape())
		}
		assert.Equal(t, before, in.Data().([]float64), "input mutated")
	}
}

func TestTrainModeReproducible(t *testing.T) {
	in := ramp(3, 8, 8)
	a, err := New(allOn(), 5, Train).Apply(in, 2, 11)
	require.NoError(t, err)
	b, err := New(allOn(), 5, Train).Apply(in, 2, 11)
	require.NoError(t, err)
	assert.Equal(t, a.Data(), b.Data())

	differs := false
	for i := 0; i < 10 && !differs; i++ {
		c, err := New(allOn(), 5, Train).Apply(in, 3, i)
		require.NoError(t, err)
		differs = !assert.ObjectsAreEqual(a.Data(), c.Data())
	}
	assert.True(t, differs, "different epochs should draw different transforms")
}

func TestWithMode(t *testing.T) {
	train := New(allOn(), 1, Train)
	eval := train.WithMode(Eval)
	assert.Equal(t, Train, train.Mode())
	assert.Equal(t, Eval, eval.Mode())
}

func TestRotateFourTimesIsIdentity(t *testing.T) {
	in := ramp(2, 5, 5).Data().([]float64)
	out := append([]float64(nil), in...)
	for i := 0; i < 4; i++ {
		out = rotate90(out, 2, 5)
	}
	assert.Equal(t, in, out)
}

func TestFlipHorizontal(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6}
	flipHorizontal(data, 1, 2, 3)
	assert.Equal(t, []float64{3, 2, 1, 6, 5, 4}, data)
	flipVertical(data, 1, 2, 3)
	assert.Equal(t, []float64{6, 5, 4, 3, 2, 1}, data)
}
