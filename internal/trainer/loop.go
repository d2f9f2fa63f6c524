package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"retina-forge/internal/augment"
	"retina-forge/internal/config"
	"retina-forge/internal/dataset"
	"retina-forge/internal/failure"
	"retina-forge/internal/inference"
	"retina-forge/internal/loader"
	"retina-forge/internal/metrics"
	"retina-forge/internal/model"
	"retina-forge/internal/runstore"
)

// State is the position of a run in its lifecycle. Converged, Stopped and
// Failed are terminal.
type State int

const (
	Initialized State = iota
	Running
	Converged
	Stopped
	Failed
)

var stateNames = []string{"initialized", "running", "converged", "stopped", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool { return s >= Converged }

// Recorder receives run lifecycle events. *runstore.Store implements it.
type Recorder interface {
	RunStarted(ctx context.Context, run runstore.Run) error
	EpochFinished(ctx context.Context, rec metrics.EpochRecord) error
	RunFinished(ctx context.Context, runID, state, checkpoint string, runErr error, at time.Time) error
}

// Checkpoint file names inside RunConfig.CheckpointDir.
const (
	BestCheckpoint  = "best.ckpt"
	FinalCheckpoint = "final.ckpt"
)

// EpochCheckpoint is the periodic checkpoint name for epoch.
func EpochCheckpoint(epoch int) string { return fmt.Sprintf("epoch-%04d.ckpt", epoch) }

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Train      []dataset.Entry
	Validation []dataset.Entry
	Transform  loader.Transformer
	// Augment is used in Train mode for training batches only.
	Augment *augment.Augmenter

	Architecture model.Architecture
	// Model replaces the freshly initialized PooledMLP when set.
	Model          model.Model
	LearningRate   float64
	WeightDecay    float64
	ClassWeighting string

	Epochs          int
	BatchSize       int
	NumWorkers      int
	QueueCapacity   int
	Patience        int
	MinDelta        float64
	MaxSkipFraction float64
	// Missing is the number of label rows the index dropped for lack of an
	// image. They count against MaxSkipFraction on every training epoch.
	Missing         int
	CheckpointDir   string
	CheckpointEvery int
	MetricLog       string
	// Resume is a checkpoint to continue from.
	Resume   string
	Seed     int64
	LogEvery int
	// ConfigYAML is stored with the run in the Recorder.
	ConfigYAML string

	Recorder Recorder
	Exporter *metrics.Exporter
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Result describes a finished run.
type Result struct {
	RunID string
	State State
	// Epochs is the number of completed epochs, including resumed ones.
	Epochs    int
	BestKappa float64
	BestEpoch int
	// Checkpoint is the last checkpoint written successfully; for Converged
	// and Stopped runs it is final.ckpt.
	Checkpoint string
	Records    []metrics.EpochRecord
}

// RunError is returned for Failed runs. Checkpoint is the last stable
// checkpoint, empty when none was written.
type RunError struct {
	Checkpoint string
	Err        error
}

func (e *RunError) Error() string {
	if e.Checkpoint == "" {
		return fmt.Sprintf("training failed (no stable checkpoint): %v", e.Err)
	}
	return fmt.Sprintf("training failed (last stable checkpoint %s): %v", e.Checkpoint, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Trainer drives a single run.
type Trainer struct {
	cfg   RunConfig
	state State
	model model.Model
	log   *zap.Logger
}

// New validates cfg and returns a Trainer in the Initialized state.
func New(cfg RunConfig) (*Trainer, error) {
	if cfg.Transform == nil {
		return nil, errors.New("trainer: transform is required")
	}
	if cfg.Epochs <= 0 {
		return nil, errors.New("trainer: epochs must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("trainer: batch size must be > 0")
	}
	if cfg.CheckpointDir == "" {
		return nil, errors.New("trainer: checkpoint dir must be set")
	}
	if len(cfg.Train) == 0 {
		return nil, failure.Newf(failure.Dataset, "start training", "training partition is empty")
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 1
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Trainer{cfg: cfg, state: Initialized, log: cfg.Logger}, nil
}

// State returns the current state.
func (t *Trainer) State() State { return t.state }

// Model returns the model being trained; nil before Run.
func (t *Trainer) Model() model.Model { return t.model }

type run struct {
	id        string
	result    Result
	noImprove int
	metricLog *metrics.MetricLog
	// recorded is set once the Recorder knows about the run.
	recorded bool
}

// Run executes the training workload. Stopped and Converged runs return a
// nil error. A Failed run returns a *RunError. Cancelling ctx stops the run
// at the next batch boundary.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	if t.state != Initialized {
		return Result{}, fmt.Errorf("trainer: run already %s", t.state)
	}
	r := &run{id: uuid.NewString()}
	r.result.RunID = r.id
	r.result.BestKappa = math.Inf(-1)
	t.transition(Running)
	t.log = t.log.With(zap.String("run_id", r.id))

	state, err := t.execute(ctx, r)
	if state != Failed {
		if saveErr := t.saveCheckpoint(r, FinalCheckpoint); saveErr != nil {
			state, err = Failed, saveErr
		}
	}
	err = multierr.Append(err, t.finish(ctx, r, state, err))
	if err != nil && state != Failed {
		state = Failed
	}
	if math.IsInf(r.result.BestKappa, -1) {
		r.result.BestKappa = 0
	}
	r.result.State = state
	t.transition(state)

	if state == Failed {
		t.log.Error("training failed", zap.String("checkpoint", r.result.Checkpoint), zap.Error(err))
		return r.result, &RunError{Checkpoint: r.result.Checkpoint, Err: err}
	}
	t.log.Info("training finished",
		zap.Stringer("state", state),
		zap.Int("epochs", r.result.Epochs),
		zap.Float64("best_kappa", r.result.BestKappa),
		zap.String("checkpoint", r.result.Checkpoint),
	)
	return r.result, nil
}

// execute runs epochs until a stopping policy or an error ends the run.
func (t *Trainer) execute(ctx context.Context, r *run) (State, error) {
	cfg := t.cfg
	if err := t.initModel(r); err != nil {
		return Failed, err
	}
	if cfg.MetricLog != "" {
		l, err := metrics.OpenMetricLog(cfg.MetricLog)
		if err != nil {
			return Failed, err
		}
		r.metricLog = l
	}
	if cfg.Recorder != nil {
		err := cfg.Recorder.RunStarted(ctx, runstore.Run{
			ID:           r.id,
			StartedAt:    cfg.Clock.Now(),
			State:        Running.String(),
			Architecture: t.model.Architecture().String(),
			Config:       cfg.ConfigYAML,
			Epochs:       r.result.Epochs,
		})
		if err != nil {
			return Failed, err
		}
		r.recorded = true
	}
	if err := t.exportState(Running); err != nil {
		return Failed, err
	}

	t.log.Info("training started",
		zap.Stringer("architecture", t.model.Architecture()),
		zap.Int("train", len(cfg.Train)),
		zap.Int("validation", len(cfg.Validation)),
		zap.Int("start_epoch", r.result.Epochs+1),
		zap.Int("epochs", cfg.Epochs),
	)

	for epoch := r.result.Epochs + 1; epoch <= cfg.Epochs; epoch++ {
		if ctx.Err() != nil {
			return t.stopped(r)
		}
		rec, err := t.trainEpoch(ctx, r, epoch)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return t.stopped(r)
			}
			return Failed, err
		}
		if len(cfg.Validation) > 0 {
			report, err := t.validate(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return t.stopped(r)
				}
				return Failed, err
			}
			rec.ValLoss = report.MeanLoss
			rec.ValKappa = report.Kappa
			rec.ValAccuracy = report.Accuracy
			rec.ValSamples = report.Samples
		}
		r.result.Epochs = epoch

		if err := t.record(ctx, r, rec); err != nil {
			return Failed, err
		}
		if epoch%cfg.CheckpointEvery == 0 {
			if err := t.saveCheckpoint(r, EpochCheckpoint(epoch)); err != nil {
				return Failed, err
			}
		}
		if len(cfg.Validation) == 0 {
			continue
		}
		if rec.ValKappa > r.result.BestKappa+cfg.MinDelta {
			r.result.BestKappa = rec.ValKappa
			r.result.BestEpoch = epoch
			r.noImprove = 0
			if err := t.saveCheckpoint(r, BestCheckpoint); err != nil {
				return Failed, err
			}
			continue
		}
		r.noImprove++
		if cfg.Patience > 0 && r.noImprove >= cfg.Patience {
			t.log.Info("validation kappa plateaued",
				zap.Int("epoch", epoch),
				zap.Int("patience", cfg.Patience),
				zap.Float64("best_kappa", r.result.BestKappa),
				zap.Int("best_epoch", r.result.BestEpoch),
			)
			return Converged, nil
		}
	}
	t.log.Info("epoch budget exhausted", zap.Int("epochs", cfg.Epochs))
	return Stopped, nil
}

func (t *Trainer) stopped(r *run) (State, error) {
	t.log.Info("training cancelled", zap.Int("completed_epochs", r.result.Epochs))
	return Stopped, nil
}

// initModel builds or resumes the model and applies optimizer settings.
func (t *Trainer) initModel(r *run) error {
	cfg := t.cfg
	switch {
	case cfg.Model != nil:
		t.model = cfg.Model
	case cfg.Resume != "":
		m, meta, err := model.LoadCheckpoint(cfg.Resume, cfg.Architecture)
		if err != nil {
			return err
		}
		t.model = m
		r.result.Epochs = meta.Epoch
		r.result.Checkpoint = cfg.Resume
		if meta.BestKappa != nil {
			r.result.BestKappa = *meta.BestKappa
			r.result.BestEpoch = meta.BestEpoch
		}
		t.log.Info("resumed from checkpoint",
			zap.String("path", cfg.Resume),
			zap.Int("epoch", meta.Epoch),
			zap.String("previous_run", meta.RunID),
			zap.Float64("best_kappa", r.result.BestKappa),
		)
	default:
		m, err := model.NewPooledMLP(cfg.Architecture, cfg.Seed)
		if err != nil {
			return err
		}
		t.model = m
	}

	mlp, ok := t.model.(*model.PooledMLP)
	if !ok {
		return nil
	}
	mlp.SetOptimizer(cfg.LearningRate, cfg.WeightDecay)
	if cfg.ClassWeighting == config.WeightingInverseFrequency {
		weights := ClassWeights(cfg.Train, t.model.Architecture().Classes)
		if err := mlp.SetClassWeights(weights); err != nil {
			return err
		}
		t.log.Debug("class weights", zap.Float64s("weights", weights))
	}
	return nil
}

// trainEpoch streams one shuffled pass over the training partition.
func (t *Trainer) trainEpoch(ctx context.Context, r *run, epoch int) (metrics.EpochRecord, error) {
	cfg := t.cfg
	clk := cfg.Clock
	epochStart := clk.Now()

	stream, err := loader.Start(ctx, shuffled(cfg.Train, cfg.Seed, epoch), loader.Options{
		BatchSize:       cfg.BatchSize,
		NumWorkers:      cfg.NumWorkers,
		QueueCapacity:   cfg.QueueCapacity,
		MaxSkipFraction: cfg.MaxSkipFraction,
		PriorSkipped:    cfg.Missing,
		Epoch:           epoch,
		Transform:       cfg.Transform,
		Augment:         cfg.Augment.WithMode(augment.Train),
		Logger:          t.log,
	})
	if err != nil {
		return metrics.EpochRecord{}, err
	}

	var window metrics.Window
	var losses stats.Float64Data
	samples, step := 0, 0
	waitStart := clk.Now()
	for batch := range stream.Batches() {
		// Cancellation is honoured between batches only.
		if ctx.Err() != nil {
			stream.Stop()
			return metrics.EpochRecord{}, ctx.Err()
		}
		dataTime := clk.Since(waitStart)

		computeStart := clk.Now()
		loss, err := t.model.TrainStep(batch)
		if err != nil {
			stream.Stop()
			return metrics.EpochRecord{}, fmt.Errorf("train step: %w", err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			stream.Stop()
			return metrics.EpochRecord{}, failure.Newf(failure.Divergence, "train step",
				"loss is %v at epoch %d step %d", loss, epoch, step+1)
		}
		computeTime := clk.Since(computeStart)

		window.Record(batch.Len(), dataTime, computeTime, loss)
		losses = append(losses, loss)
		samples += batch.Len()
		step++

		if step%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			t.log.Info("training progress",
				zap.Int("epoch", epoch),
				zap.Int("samples", samples),
				zap.Float64("images_per_sec", snap.ImagesPerSec),
				zap.Float64("data_ms", snap.AvgDataMS),
				zap.Float64("compute_ms", snap.AvgComputeMS),
				zap.Float64("loss", snap.MeanLoss),
			)
		}
		waitStart = clk.Now()
	}
	loaded, err := stream.Wait()
	if err != nil {
		return metrics.EpochRecord{}, err
	}

	rec := metrics.EpochRecord{
		RunID:        r.id,
		Epoch:        epoch,
		TrainSamples: loaded.Loaded,
		Skipped:      loaded.Skipped,
	}
	if len(losses) > 0 {
		mean, err := stats.Mean(losses)
		if err != nil {
			return metrics.EpochRecord{}, fmt.Errorf("epoch loss: %w", err)
		}
		rec.TrainLoss = mean
	}
	if elapsed := clk.Since(epochStart).Seconds(); elapsed > 0 {
		rec.ImagesPerSec = float64(samples) / elapsed
	}
	return rec, nil
}

func (t *Trainer) validate(ctx context.Context) (metrics.Evaluation, error) {
	cfg := t.cfg
	engine := inference.New(t.model, cfg.Transform, inference.Options{
		BatchSize:       cfg.BatchSize,
		NumWorkers:      cfg.NumWorkers,
		QueueCapacity:   cfg.QueueCapacity,
		MaxSkipFraction: cfg.MaxSkipFraction,
		Logger:          t.log,
	})
	report, err := engine.Run(ctx, cfg.Validation)
	if err != nil {
		return metrics.Evaluation{}, fmt.Errorf("validate: %w", err)
	}
	if report.Evaluation == nil {
		return metrics.Evaluation{}, nil
	}
	return *report.Evaluation, nil
}

// record persists rec to every metric sink. Any failure is fatal.
func (t *Trainer) record(ctx context.Context, r *run, rec metrics.EpochRecord) error {
	cfg := t.cfg
	rec.Time = cfg.Clock.Now()
	if r.metricLog != nil {
		if err := r.metricLog.Append(rec); err != nil {
			return err
		}
	}
	if cfg.Recorder != nil {
		if err := cfg.Recorder.EpochFinished(ctx, rec); err != nil {
			return err
		}
	}
	cfg.Exporter.ObserveEpoch(rec)
	if err := cfg.Exporter.Flush(); err != nil {
		return err
	}
	r.result.Records = append(r.result.Records, rec)

	t.log.Info("epoch finished",
		zap.Int("epoch", rec.Epoch),
		zap.Float64("train_loss", rec.TrainLoss),
		zap.Float64("val_loss", rec.ValLoss),
		zap.Float64("val_kappa", rec.ValKappa),
		zap.Float64("val_accuracy", rec.ValAccuracy),
		zap.Int("skipped", rec.Skipped),
	)
	return nil
}

func (t *Trainer) saveCheckpoint(r *run, name string) error {
	path := filepath.Join(t.cfg.CheckpointDir, name)
	meta := model.Metadata{Epoch: r.result.Epochs, RunID: r.id}
	if best := r.result.BestKappa; !math.IsInf(best, -1) {
		meta.BestKappa = &best
		meta.BestEpoch = r.result.BestEpoch
	}
	if err := model.SaveCheckpoint(path, t.model, meta); err != nil {
		return err
	}
	r.result.Checkpoint = path
	t.log.Debug("checkpoint saved", zap.String("path", path), zap.Int("epoch", r.result.Epochs))
	return nil
}

// finish closes the metric sinks and reports the terminal state. It runs
// even when ctx is cancelled.
func (t *Trainer) finish(ctx context.Context, r *run, state State, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	if r.metricLog != nil {
		err = multierr.Append(err, r.metricLog.Close())
	}
	if r.recorded {
		err = multierr.Append(err, t.cfg.Recorder.RunFinished(ctx, r.id, state.String(), r.result.Checkpoint, runErr, t.cfg.Clock.Now()))
	}
	return multierr.Append(err, t.exportState(state))
}

func (t *Trainer) exportState(s State) error {
	t.cfg.Exporter.SetState(s.String(), stateNames)
	return t.cfg.Exporter.Flush()
}

func (t *Trainer) transition(s State) {
	t.log.Debug("state transition", zap.Stringer("from", t.state), zap.Stringer("to", s))
	t.state = s
}

// ClassWeights returns inverse-frequency weights total/(classes*count) for
// the labeled entries. Absent classes get weight 0.
func ClassWeights(entries []dataset.Entry, classes int) []float64 {
	counts := make([]int, classes)
	total := 0
	for _, e := range entries {
		if e.Labeled && e.Label >= 0 && e.Label < classes {
			counts[e.Label]++
			total++
		}
	}
	weights := make([]float64, classes)
	for c, n := range counts {
		if n > 0 {
			weights[c] = float64(total) / float64(classes*n)
		}
	}
	return weights
}

// shuffled returns a copy of entries in an order fixed by (seed, epoch).
func shuffled(entries []dataset.Entry, seed int64, epoch int) []dataset.Entry {
	out := append([]dataset.Entry(nil), entries...)
	rng := rand.New(rand.NewSource(seed + int64(epoch)*1_000_003))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
