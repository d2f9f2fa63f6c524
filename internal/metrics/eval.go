package metrics

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Confusion counts predictions per (label, predicted) pair.
type Confusion struct {
	classes int
	counts  [][]int
}

// NewConfusion returns an empty classes x classes matrix.
func NewConfusion(classes int) *Confusion {
	counts := make([][]int, classes)
	for i := range counts {
		counts[i] = make([]int, classes)
	}
	return &Confusion{classes: classes, counts: counts}
}

// Add records one prediction.
func (c *Confusion) Add(label, predicted int) error {
	if label < 0 || label >= c.classes || predicted < 0 || predicted >= c.classes {
		return fmt.Errorf("metrics: pair (%d, %d) outside [0, %d)", label, predicted, c.classes)
	}
	c.counts[label][predicted]++
	return nil
}

// Counts returns a copy of the matrix; rows are labels, columns predictions.
func (c *Confusion) Counts() [][]int {
	out := make([][]int, c.classes)
	for i, row := range c.counts {
		out[i] = append([]int(nil), row...)
	}
	return out
}

// Total is the number of recorded predictions.
func (c *Confusion) Total() int {
	n := 0
	for _, row := range c.counts {
		for _, v := range row {
			n += v
		}
	}
	return n
}

// Accuracy is the fraction of predictions on the diagonal; 0 when empty.
func (c *Confusion) Accuracy() float64 {
	total := c.Total()
	if total == 0 {
		return 0
	}
	correct := 0
	for i := range c.counts {
		correct += c.counts[i][i]
	}
	return float64(correct) / float64(total)
}

// QuadraticWeightedKappa measures agreement between labels and predictions,
// penalizing disagreement by the squared grade distance. 1 is perfect
// agreement, 0 is chance level. When the expected disagreement is zero
// (a single grade used on both sides) it returns 1 for perfect agreement
// and 0 otherwise. An empty matrix scores 0.
func (c *Confusion) QuadraticWeightedKappa() float64 {
	total := c.Total()
	if total == 0 || c.classes < 2 {
		return 0
	}
	k := c.classes
	observed := mat.NewDense(k, k, nil)
	weights := mat.NewDense(k, k, nil)
	labelHist := mat.NewVecDense(k, nil)
	predHist := mat.NewVecDense(k, nil)
	norm := float64((k - 1) * (k - 1))
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			v := float64(c.counts[i][j])
			observed.Set(i, j, v)
			weights.Set(i, j, float64((i-j)*(i-j))/norm)
			labelHist.SetVec(i, labelHist.AtVec(i)+v)
			predHist.SetVec(j, predHist.AtVec(j)+v)
		}
	}
	var expected mat.Dense
	expected.Outer(1/float64(total), labelHist, predHist)

	var wo, we mat.Dense
	wo.MulElem(weights, observed)
	we.MulElem(weights, &expected)
	num, den := mat.Sum(&wo), mat.Sum(&we)
	if den == 0 {
		if num == 0 {
			return 1
		}
		return 0
	}
	return 1 - num/den
}

// Evaluation is the aggregate result over a labeled set of predictions.
type Evaluation struct {
	Samples   int     `json:"samples"`
	Accuracy  float64 `json:"accuracy"`
	Kappa     float64 `json:"quadratic_weighted_kappa"`
	MeanLoss  float64 `json:"mean_loss"`
	Confusion [][]int `json:"confusion"`
}

// Evaluate summarizes c with the given total cross-entropy loss.
func Evaluate(c *Confusion, lossSum float64) Evaluation {
	ev := Evaluation{
		Samples:   c.Total(),
		Accuracy:  c.Accuracy(),
		Kappa:     c.QuadraticWeightedKappa(),
		Confusion: c.Counts(),
	}
	if ev.Samples > 0 {
		ev.MeanLoss = lossSum / float64(ev.Samples)
	}
	return ev
}
