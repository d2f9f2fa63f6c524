package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// PooledMLP average-pools each input channel to a Grid x Grid map, feeds the
// result through one ReLU hidden layer and a softmax output layer, and is
// trained with (optionally class-weighted) cross entropy by minibatch SGD.
type PooledMLP struct {
	arch Architecture
	w1   *mat.Dense
	b1   *mat.VecDense
	w2   *mat.Dense
	b2   *mat.VecDense

	lr           float64
	weightDecay  float64
	classWeights []float64
}

// NewPooledMLP constructs the model with seeded Glorot-uniform weights and
// zero biases.
func NewPooledMLP(arch Architecture, seed int64) (*PooledMLP, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	m := &PooledMLP{
		arch: arch,
		w1:   glorot(rng, arch.Hidden, arch.Features()),
		b1:   mat.NewVecDense(arch.Hidden, nil),
		w2:   glorot(rng, arch.Classes, arch.Hidden),
		b2:   mat.NewVecDense(arch.Classes, nil),
		lr:   0.01,
	}
	return m, nil
}

// FromParams rebuilds a model from parameters in ParamShapes order.
func FromParams(arch Architecture, params []Param) (*PooledMLP, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	want := arch.ParamShapes()
	if len(params) != len(want) {
		return nil, fmt.Errorf("model: got %d parameters, want %d", len(params), len(want))
	}
	for i, p := range params {
		if err := checkParam(p, want[i]); err != nil {
			return nil, err
		}
		if len(p.Data) != size(p.Shape) {
			return nil, fmt.Errorf("model: parameter %s has %d values, want %d", p.Name, len(p.Data), size(p.Shape))
		}
	}
	cp := func(d []float64) []float64 { return append([]float64(nil), d...) }
	return &PooledMLP{
		arch: arch,
		w1:   mat.NewDense(arch.Hidden, arch.Features(), cp(params[0].Data)),
		b1:   mat.NewVecDense(arch.Hidden, cp(params[1].Data)),
		w2:   mat.NewDense(arch.Classes, arch.Hidden, cp(params[2].Data)),
		b2:   mat.NewVecDense(arch.Classes, cp(params[3].Data)),
		lr:   0.01,
	}, nil
}

// SetOptimizer configures SGD. Non-positive learning rates are ignored.
func (m *PooledMLP) SetOptimizer(learningRate, weightDecay float64) {
	if learningRate > 0 {
		m.lr = learningRate
	}
	if weightDecay >= 0 {
		m.weightDecay = weightDecay
	}
}

// SetClassWeights scales each class's loss contribution. nil restores
// uniform weighting.
func (m *PooledMLP) SetClassWeights(weights []float64) error {
	if weights == nil {
		m.classWeights = nil
		return nil
	}
	if len(weights) != m.arch.Classes {
		return fmt.Errorf("model: %d class weights for %d classes", len(weights), m.arch.Classes)
	}
	for c, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("model: invalid weight %g for class %d", w, c)
		}
	}
	m.classWeights = append([]float64(nil), weights...)
	return nil
}

// Architecture implements Model.
func (m *PooledMLP) Architecture() Architecture { return m.arch }

// Params implements Model.
func (m *PooledMLP) Params() []Param {
	shapes := m.arch.ParamShapes()
	shapes[0].Data = denseData(m.w1)
	shapes[1].Data = append([]float64(nil), m.b1.RawVector().Data...)
	shapes[2].Data = denseData(m.w2)
	shapes[3].Data = append([]float64(nil), m.b2.RawVector().Data...)
	return shapes
}

// Predict implements Model.
func (m *PooledMLP) Predict(input *tensor.Dense) ([]float64, error) {
	x, err := m.pool(input)
	if err != nil {
		return nil, err
	}
	_, probs := m.forward(x)
	return probs, nil
}

// TrainStep implements Model.
func (m *PooledMLP) TrainStep(batch Batch) (float64, error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	if len(batch.Labels) != batch.Len() {
		return 0, fmt.Errorf("model: batch has %d inputs and %d labels", batch.Len(), len(batch.Labels))
	}
	a := m.arch
	gW1 := mat.NewDense(a.Hidden, a.Features(), nil)
	gB1 := mat.NewVecDense(a.Hidden, nil)
	gW2 := mat.NewDense(a.Classes, a.Hidden, nil)
	gB2 := mat.NewVecDense(a.Classes, nil)
	dh := mat.NewVecDense(a.Hidden, nil)

	totalLoss, totalWeight := 0.0, 0.0
	for i, input := range batch.Inputs {
		label := batch.Labels[i]
		if label < 0 || label >= a.Classes {
			return 0, fmt.Errorf("model: label %d outside [0, %d)", label, a.Classes)
		}
		x, err := m.pool(input)
		if err != nil {
			return 0, err
		}
		hidden, probs := m.forward(x)
		cw := m.weight(label)
		totalLoss += -cw * math.Log(math.Max(probs[label], 1e-12))
		totalWeight += cw

		// d(loss)/d(logits) = cw * (probs - onehot(label))
		dz := mat.NewVecDense(a.Classes, probs)
		dz.SetVec(label, dz.AtVec(label)-1)
		dz.ScaleVec(cw, dz)

		gW2.RankOne(gW2, 1, dz, hidden)
		gB2.AddVec(gB2, dz)

		dh.MulVec(m.w2.T(), dz)
		for j := 0; j < a.Hidden; j++ {
			if hidden.AtVec(j) <= 0 {
				dh.SetVec(j, 0)
			}
		}
		gW1.RankOne(gW1, 1, dh, mat.NewVecDense(len(x), x))
		gB1.AddVec(gB1, dh)
	}
	if totalWeight == 0 {
		totalWeight = float64(batch.Len())
	}

	if m.weightDecay > 0 {
		decay := 1 - m.lr*m.weightDecay
		m.w1.Scale(decay, m.w1)
		m.w2.Scale(decay, m.w2)
	}
	step := m.lr / totalWeight
	gW1.Scale(step, gW1)
	m.w1.Sub(m.w1, gW1)
	m.b1.AddScaledVec(m.b1, -step, gB1)
	gW2.Scale(step, gW2)
	m.w2.Sub(m.w2, gW2)
	m.b2.AddScaledVec(m.b2, -step, gB2)

	return totalLoss / totalWeight, nil
}

func (m *PooledMLP) weight(label int) float64 {
	if m.classWeights == nil {
		return 1
	}
	return m.classWeights[label]
}

// forward returns the hidden activations and the class probabilities.
func (m *PooledMLP) forward(x []float64) (*mat.VecDense, []float64) {
	hidden := mat.NewVecDense(m.arch.Hidden, nil)
	hidden.MulVec(m.w1, mat.NewVecDense(len(x), x))
	hidden.AddVec(hidden, m.b1)
	for j := 0; j < m.arch.Hidden; j++ {
		if hidden.AtVec(j) < 0 {
			hidden.SetVec(j, 0)
		}
	}
	logits := mat.NewVecDense(m.arch.Classes, nil)
	logits.MulVec(m.w2, hidden)
	logits.AddVec(logits, m.b2)
	return hidden, softmax(logits.RawVector().Data)
}

// pool averages each channel over a Grid x Grid partition of the image.
func (m *PooledMLP) pool(input *tensor.Dense) ([]float64, error) {
	if input == nil {
		return nil, fmt.Errorf("model: nil input")
	}
	a := m.arch
	want := tensor.Shape{a.Channels, a.Height, a.Width}
	if !input.Shape().Eq(want) {
		return nil, fmt.Errorf("model: input shape %v, want %v", input.Shape(), want)
	}
	data, ok := input.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("model: expected float64 input, got %T", input.Data())
	}
	g := a.Grid
	out := make([]float64, a.Features())
	for c := 0; c < a.Channels; c++ {
		plane := data[c*a.Height*a.Width : (c+1)*a.Height*a.Width]
		for gy := 0; gy < g; gy++ {
			y0, y1 := gy*a.Height/g, (gy+1)*a.Height/g
			for gx := 0; gx < g; gx++ {
				x0, x1 := gx*a.Width/g, (gx+1)*a.Width/g
				sum := 0.0
				for y := y0; y < y1; y++ {
					sum += floats.Sum(plane[y*a.Width+x0 : y*a.Width+x1])
				}
				out[(c*g+gy)*g+gx] = sum / float64((y1-y0)*(x1-x0))
			}
		}
	}
	return out, nil
}

func softmax(logits []float64) []float64 {
	lse := floats.LogSumExp(logits)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = math.Exp(v - lse)
	}
	return out
}

func glorot(rng *rand.Rand, rows, cols int) *mat.Dense {
	limit := math.Sqrt(6 / float64(rows+cols))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return mat.NewDense(rows, cols, data)
}

func denseData(d *mat.Dense) []float64 {
	r, c := d.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, d.RawRowView(i)...)
	}
	return out
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func checkParam(got, want Param) error {
	if got.Name != want.Name {
		return fmt.Errorf("model: parameter %q where %q expected", got.Name, want.Name)
	}
	if len(got.Shape) != len(want.Shape) {
		return fmt.Errorf("model: parameter %s has shape %v, want %v", got.Name, got.Shape, want.Shape)
	}
	for i := range got.Shape {
		if got.Shape[i] != want.Shape[i] {
			return fmt.Errorf("model: parameter %s has shape %v, want %v", got.Name, got.Shape, want.Shape)
		}
	}
	return nil
}
