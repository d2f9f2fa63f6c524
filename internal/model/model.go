package model

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Batch is a minibatch of preprocessed tensors and their labels.
type Batch struct {
	Keys   []string
	Inputs []*tensor.Dense
	Labels []int
}

// Len reports the number of samples in the batch.
func (b Batch) Len() int { return len(b.Inputs) }

// Model is the trainable classifier used by the training loop and by
// inference.
type Model interface {
	// TrainStep runs one optimizer update on batch and returns the mean loss
	// before the update.
	TrainStep(batch Batch) (float64, error)
	// Predict returns the class probability distribution for one input.
	Predict(input *tensor.Dense) ([]float64, error)
	Architecture() Architecture
	// Params returns copies of the parameters in serialization order.
	Params() []Param
}

// Param is a named parameter tensor in row-major order.
type Param struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"-"`
}

// Architecture identifies a model layout. Two models with equal
// Architecture values have identical parameter shapes.
type Architecture struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Channels int    `json:"channels"`
	Height   int    `json:"height"`
	Width    int    `json:"width"`
	Grid     int    `json:"grid"`
	Hidden   int    `json:"hidden"`
	Classes  int    `json:"classes"`
}

// PooledMLPName is the architecture name of PooledMLP.
const PooledMLPName = "pooled-mlp"

// Features is the length of the pooled input vector.
func (a Architecture) Features() int { return a.Channels * a.Grid * a.Grid }

// ParamShapes lists the expected parameter names and shapes.
func (a Architecture) ParamShapes() []Param {
	return []Param{
		{Name: "w1", Shape: []int{a.Hidden, a.Features()}},
		{Name: "b1", Shape: []int{a.Hidden}},
		{Name: "w2", Shape: []int{a.Classes, a.Hidden}},
		{Name: "b2", Shape: []int{a.Classes}},
	}
}

// Validate checks the architecture is constructible.
func (a Architecture) Validate() error {
	switch {
	case a.Name == "":
		return fmt.Errorf("model: architecture name is empty")
	case a.Version == "":
		return fmt.Errorf("model: architecture version is empty")
	case a.Channels <= 0 || a.Height <= 0 || a.Width <= 0:
		return fmt.Errorf("model: input shape [%d %d %d] must be positive", a.Channels, a.Height, a.Width)
	case a.Grid <= 0 || a.Grid > a.Height || a.Grid > a.Width:
		return fmt.Errorf("model: grid %d must be in [1, min(height, width)]", a.Grid)
	case a.Hidden <= 0:
		return fmt.Errorf("model: hidden %d must be > 0", a.Hidden)
	case a.Classes < 2:
		return fmt.Errorf("model: classes %d must be >= 2", a.Classes)
	}
	return nil
}

func (a Architecture) String() string {
	return fmt.Sprintf("%s/%s[%dx%dx%d grid=%d hidden=%d classes=%d]",
		a.Name, a.Version, a.Channels, a.Height, a.Width, a.Grid, a.Hidden, a.Classes)
}
