// Package inference runs a trained model over dataset entries and, when the
// entries carry labels, scores the predictions.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"retina-forge/internal/dataset"
	"retina-forge/internal/failure"
	"retina-forge/internal/loader"
	"retina-forge/internal/metrics"
	"retina-forge/internal/model"
)

// Options configures how entries are loaded for prediction.
type Options struct {
	BatchSize       int
	NumWorkers      int
	QueueCapacity   int
	MaxSkipFraction float64
	// PriorSkipped is passed to the loader; see loader.Options.
	PriorSkipped int
	Logger       *zap.Logger
}

// Prediction is the model output for one sample.
type Prediction struct {
	Key           string    `json:"key"`
	Class         int       `json:"class"`
	Probabilities []float64 `json:"probabilities"`
	Label         int       `json:"label"`
	Labeled       bool      `json:"labeled"`
}

// Report is the outcome of Run. Evaluation is set only when every
// prediction has a label.
type Report struct {
	Predictions []Prediction        `json:"predictions"`
	Evaluation  *metrics.Evaluation `json:"evaluation,omitempty"`
	Skipped     int                 `json:"skipped"`
}

// Engine predicts with a fixed model. The model is only read.
type Engine struct {
	model     model.Model
	transform loader.Transformer
	opts      Options
	meta      model.Metadata
}

// New wraps an in-memory model.
func New(m model.Model, transform loader.Transformer, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{model: m, transform: transform, opts: opts, meta: model.Metadata{Architecture: m.Architecture()}}
}

// Load reads the checkpoint at path. An unreadable or incompatible
// checkpoint is an inference error that also matches failure.ErrModelLoad.
func Load(path string, arch model.Architecture, transform loader.Transformer, opts Options) (*Engine, error) {
	m, meta, err := model.LoadCheckpoint(path, arch)
	if err != nil {
		return nil, failure.New(failure.Inference, "load checkpoint "+path, err)
	}
	e := New(m, transform, opts)
	e.meta = meta
	e.opts.Logger.Info("checkpoint loaded",
		zap.String("path", path),
		zap.Stringer("architecture", meta.Architecture),
		zap.Int("epoch", meta.Epoch),
		zap.String("run_id", meta.RunID),
	)
	return e, nil
}

// Metadata describes the loaded checkpoint.
func (e *Engine) Metadata() model.Metadata { return e.meta }

// Run predicts every entry in order. Entries that fail to load or
// preprocess are skipped and logged; too many of them fail the run with a
// dataset error. There is no fallback prediction for a skipped entry.
func (e *Engine) Run(ctx context.Context, entries []dataset.Entry) (Report, error) {
	labeled := make(map[string]bool, len(entries))
	allLabeled := len(entries) > 0
	for _, entry := range entries {
		labeled[entry.Key] = entry.Labeled
		allLabeled = allLabeled && entry.Labeled
	}

	stream, err := loader.Start(ctx, entries, loader.Options{
		BatchSize:       e.opts.BatchSize,
		NumWorkers:      e.opts.NumWorkers,
		QueueCapacity:   e.opts.QueueCapacity,
		MaxSkipFraction: e.opts.MaxSkipFraction,
		PriorSkipped:    e.opts.PriorSkipped,
		Transform:       e.transform,
		Logger:          e.opts.Logger,
	})
	if err != nil {
		return Report{}, err
	}

	classes := e.model.Architecture().Classes
	confusion := metrics.NewConfusion(classes)
	lossSum := 0.0
	report := Report{Predictions: make([]Prediction, 0, len(entries))}
	for batch := range stream.Batches() {
		for i, input := range batch.Inputs {
			probs, err := e.model.Predict(input)
			if err == nil {
				err = checkProbabilities(probs, classes)
			}
			if err != nil {
				stream.Stop()
				return Report{}, failure.New(failure.Inference, "predict "+batch.Keys[i], err)
			}
			p := Prediction{
				Key:           batch.Keys[i],
				Class:         argmax(probs),
				Probabilities: probs,
				Labeled:       labeled[batch.Keys[i]],
			}
			if p.Labeled {
				p.Label = batch.Labels[i]
				if err := confusion.Add(p.Label, p.Class); err != nil {
					stream.Stop()
					return Report{}, failure.New(failure.Inference, "score "+p.Key, err)
				}
				lossSum += -math.Log(math.Max(probs[p.Label], 1e-12))
			}
			report.Predictions = append(report.Predictions, p)
		}
	}
	stats, err := stream.Wait()
	report.Skipped = stats.Skipped
	if err != nil {
		return report, err
	}
	if allLabeled && len(report.Predictions) > 0 {
		ev := metrics.Evaluate(confusion, lossSum)
		report.Evaluation = &ev
	}
	return report, nil
}

// checkProbabilities rejects vectors that argmax would silently map to a
// class, such as all-NaN output from a corrupted model.
func checkProbabilities(probs []float64, classes int) error {
	if len(probs) != classes {
		return errors.New("probability vector has wrong length")
	}
	for c, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("probability of class %d is %v", c, p)
		}
	}
	return nil
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
