// Package loader turns an ordered list of dataset entries into a bounded
// stream of ready-to-train batches. Entries are read, preprocessed and
// augmented by a pool of workers; an aggregator restores entry order so the
// batch sequence depends only on the input order and the seed.
package loader

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"retina-forge/internal/augment"
	"retina-forge/internal/dataset"
	"retina-forge/internal/failure"
	"retina-forge/internal/model"
)

// Transformer converts a loaded sample into a model input.
// *preprocess.Preprocessor implements it.
type Transformer interface {
	Apply(dataset.Sample) (*tensor.Dense, error)
}

// Options configures a Stream.
type Options struct {
	BatchSize  int
	NumWorkers int
	// QueueCapacity bounds the number of ready batches waiting for the
	// consumer.
	QueueCapacity int
	// MaxSkipFraction is the fraction of samples that may be skipped before
	// the stream fails with a dataset error.
	MaxSkipFraction float64
	// PriorSkipped counts samples already dropped upstream, such as label
	// rows whose image is missing. They count as skipped, and the threshold
	// base is len(entries)+PriorSkipped.
	PriorSkipped int
	// Epoch is passed to the augmenter with each sample's index.
	Epoch     int
	Transform Transformer
	// Augment may be nil, which disables augmentation.
	Augment *augment.Augmenter
	Logger  *zap.Logger
}

// Stats summarizes a finished stream.
type Stats struct {
	Loaded  int
	Skipped int
}

// Stream is a running load pipeline.
type Stream struct {
	batches chan model.Batch
	cancel  context.CancelFunc
	group   *errgroup.Group
	stats   Stats
}

type job struct {
	index int
	entry dataset.Entry
}

type result struct {
	index int
	entry dataset.Entry
	input *tensor.Dense
	err   error
}

// Start launches the pipeline over entries. The caller must drain Batches
// and then call Wait, or call Stop to abandon the stream early.
func Start(parent context.Context, entries []dataset.Entry, opts Options) (*Stream, error) {
	if opts.Transform == nil {
		return nil, fmt.Errorf("loader: no transformer")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size %d must be > 0", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 2 * opts.NumWorkers
	}
	if opts.PriorSkipped < 0 {
		return nil, fmt.Errorf("loader: prior skipped %d must be >= 0", opts.PriorSkipped)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(parent)
	g, ctx := errgroup.WithContext(ctx)
	s := &Stream{
		batches: make(chan model.Batch, opts.QueueCapacity),
		cancel:  cancel,
		group:   g,
	}

	jobs := make(chan job, opts.NumWorkers)
	results := make(chan result, opts.NumWorkers)
	// window bounds how far workers may run ahead of the aggregator.
	window := make(chan struct{}, 4*opts.NumWorkers)

	g.Go(func() error {
		defer close(jobs)
		for i, e := range entries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case window <- struct{}{}:
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case jobs <- job{index: i, entry: e}:
			}
		}
		return nil
	})

	for i := 0; i < opts.NumWorkers; i++ {
		g.Go(func() error {
			return work(ctx, jobs, results, opts)
		})
	}

	g.Go(func() error {
		defer close(s.batches)
		return s.aggregate(ctx, len(entries), results, window, opts)
	})

	return s, nil
}

// Batches returns the ordered batch stream. It is closed when the pipeline
// finishes or fails.
func (s *Stream) Batches() <-chan model.Batch { return s.batches }

// Wait blocks until the pipeline has stopped and reports its outcome.
func (s *Stream) Wait() (Stats, error) {
	err := s.group.Wait()
	s.cancel()
	return s.stats, err
}

// Stop abandons the stream and waits for every goroutine to exit.
func (s *Stream) Stop() Stats {
	s.cancel()
	for range s.batches {
	}
	_ = s.group.Wait()
	return s.stats
}

func work(ctx context.Context, jobs <-chan job, results chan<- result, opts Options) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-jobs:
			if !ok {
				return nil
			}
			r := result{index: j.index, entry: j.entry}
			r.input, r.err = prepare(j, opts)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case results <- r:
			}
		}
	}
}

func prepare(j job, opts Options) (*tensor.Dense, error) {
	sample, err := j.entry.Load()
	if err != nil {
		return nil, err
	}
	input, err := opts.Transform.Apply(sample)
	if err != nil {
		return nil, err
	}
	return opts.Augment.Apply(input, opts.Epoch, j.index)
}

func (s *Stream) aggregate(ctx context.Context, total int, results <-chan result, window <-chan struct{}, opts Options) error {
	pending := make(map[int]result)
	batch := model.Batch{}
	referenced := total + opts.PriorSkipped
	allowed := opts.MaxSkipFraction * float64(referenced)
	if float64(opts.PriorSkipped) > allowed {
		return failure.Newf(failure.Dataset, "load batches",
			"%d of %d samples missing, more than the allowed fraction %.4f", opts.PriorSkipped, referenced, opts.MaxSkipFraction)
	}

	emit := func(b model.Batch) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.batches <- b:
			return nil
		}
	}

	for next := 0; next < total; {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, ok := pending[next]
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r = <-results:
				pending[r.index] = r
			}
			continue
		}
		delete(pending, next)
		next++
		<-window

		if r.err != nil {
			s.stats.Skipped++
			opts.Logger.Warn("skipping sample", zap.String("key", r.entry.Key), zap.Error(r.err))
			if skipped := opts.PriorSkipped + s.stats.Skipped; float64(skipped) > allowed {
				return failure.Newf(failure.Dataset, "load batches",
					"%d of %d samples skipped (%d missing, %d unreadable), more than the allowed fraction %.4f",
					skipped, referenced, opts.PriorSkipped, s.stats.Skipped, opts.MaxSkipFraction)
			}
			continue
		}
		s.stats.Loaded++
		batch.Keys = append(batch.Keys, r.entry.Key)
		batch.Inputs = append(batch.Inputs, r.input)
		batch.Labels = append(batch.Labels, r.entry.Label)
		if batch.Len() == opts.BatchSize {
			if err := emit(batch); err != nil {
				return err
			}
			batch = model.Batch{}
		}
	}
	if batch.Len() > 0 {
		return emit(batch)
	}
	return nil
}
