package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"retina-forge/internal/augment"
	"retina-forge/internal/config"
	"retina-forge/internal/dataset"
	"retina-forge/internal/failure"
	"retina-forge/internal/inference"
	"retina-forge/internal/logging"
	"retina-forge/internal/metrics"
	"retina-forge/internal/model"
	"retina-forge/internal/preprocess"
	"retina-forge/internal/runstore"
	"retina-forge/internal/trainer"
)

// env is the state shared by a single command invocation.
type env struct {
	cfg      *config.Config
	logger   *zap.Logger
	closeLog func() error
	pre      *preprocess.Preprocessor
}

// setup loads the config, applies flag overrides and builds the logger and
// preprocessor. validate is false for commands that never touch the
// dataset.
func (g *globalFlags) setup(validate bool) (*env, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyOverrides(g.overrides)
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	logger, closeLog, err := logging.New(appName, cfg.Logging)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger, closeLog: closeLog}
	if validate {
		e.pre, err = preprocess.New(preprocessOptions(cfg))
		if err != nil {
			_ = closeLog()
			return nil, err
		}
	}
	return e, nil
}

func (e *env) close() { _ = e.closeLog() }

func preprocessOptions(cfg *config.Config) preprocess.Options {
	p := cfg.Preprocess
	return preprocess.Options{
		Size:          p.ImageSize,
		GrayTolerance: p.GrayTolerance,
		CropBorders:   p.CropBorders,
		CircleCrop:    p.CircleCrop,
		BlurSigma:     p.BlurSigma,
	}
}

func augmentOptions(cfg *config.Config) augment.Options {
	a := cfg.Augment
	return augment.Options{
		FlipHorizontal: a.FlipHorizontal,
		FlipVertical:   a.FlipVertical,
		Rotate90:       a.Rotate90,
		Brightness:     a.Brightness,
		Contrast:       a.Contrast,
	}
}

func architecture(cfg *config.Config) model.Architecture {
	return model.Architecture{
		Name:     model.PooledMLPName,
		Version:  cfg.Model.Version,
		Channels: preprocess.Channels,
		Height:   cfg.Preprocess.ImageSize,
		Width:    cfg.Preprocess.ImageSize,
		Grid:     cfg.Model.Grid,
		Hidden:   cfg.Model.Hidden,
		Classes:  dataset.NumClasses,
	}
}

// partitions indexes the labeled dataset and splits it with the configured
// seed, so train and evaluate agree on every partition. It also returns the
// number of label rows whose image is missing.
func (e *env) partitions() (dataset.Partitions, int, error) {
	d := e.cfg.Data
	ix, err := dataset.Build(dataset.IndexOptions{
		Root:            d.Root,
		LabelsPath:      d.Labels,
		Extensions:      d.Extensions,
		ExpectedCount:   d.ExpectedCount,
		MaxSkipFraction: d.MaxSkipFraction,
		Logger:          e.logger,
	})
	if err != nil {
		return dataset.Partitions{}, 0, err
	}
	parts, err := ix.Split(e.cfg.Train.Seed, d.ValFraction, d.TestFraction)
	if err != nil {
		return dataset.Partitions{}, 0, failure.New(failure.Dataset, "split dataset", err)
	}
	counts := dataset.ClassCounts(parts.Train)
	e.logger.Info("dataset partitioned",
		zap.Int("train", len(parts.Train)),
		zap.Int("validation", len(parts.Validation)),
		zap.Int("test", len(parts.Test)),
		zap.Ints("train_class_counts", counts[:]),
	)
	return parts, len(ix.Missing), nil
}

// checkpoint is the --checkpoint flag or final.ckpt in the checkpoint dir.
func (e *env) checkpoint(flag string) string {
	if flag != "" {
		return flag
	}
	return filepath.Join(e.cfg.Train.CheckpointDir, trainer.FinalCheckpoint)
}

func (e *env) inferenceOptions() inference.Options {
	return inference.Options{
		BatchSize:       e.cfg.Train.BatchSize,
		NumWorkers:      e.cfg.Train.NumWorkers,
		QueueCapacity:   e.cfg.Train.QueueCapacity,
		MaxSkipFraction: e.cfg.Data.MaxSkipFraction,
		Logger:          e.logger,
	}
}

func trainCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train the classifier on the labeled dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			e, err := g.setup(true)
			if err != nil {
				return err
			}
			defer e.close()
			cfg := e.cfg

			parts, missing, err := e.partitions()
			if err != nil {
				return err
			}
			var recorder trainer.Recorder
			if cfg.Metrics.RunStore != "" {
				store, openErr := runstore.Open(cfg.Metrics.RunStore)
				if openErr != nil {
					return openErr
				}
				defer func() { err = multierr.Append(err, store.Close()) }()
				recorder = store
			}
			var aug *augment.Augmenter
			if cfg.Augment.Enabled {
				aug = augment.New(augmentOptions(cfg), cfg.Train.Seed, augment.Train)
			}
			rendered, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}

			tr, err := trainer.New(trainer.RunConfig{
				Train:           parts.Train,
				Validation:      parts.Validation,
				Transform:       e.pre,
				Augment:         aug,
				Architecture:    architecture(cfg),
				LearningRate:    cfg.Model.LearningRate,
				WeightDecay:     cfg.Model.WeightDecay,
				ClassWeighting:  cfg.Model.ClassWeighting,
				Epochs:          cfg.Train.Epochs,
				BatchSize:       cfg.Train.BatchSize,
				NumWorkers:      cfg.Train.NumWorkers,
				QueueCapacity:   cfg.Train.QueueCapacity,
				Patience:        cfg.Train.Patience,
				MinDelta:        cfg.Train.MinDelta,
				MaxSkipFraction: cfg.Data.MaxSkipFraction,
				Missing:         missing,
				CheckpointDir:   cfg.Train.CheckpointDir,
				CheckpointEvery: cfg.Train.CheckpointEvery,
				MetricLog:       cfg.Train.MetricLog,
				Resume:          cfg.Train.Resume,
				Seed:            cfg.Train.Seed,
				LogEvery:        cfg.Train.LogEvery,
				ConfigYAML:      string(rendered),
				Recorder:        recorder,
				Exporter:        metrics.NewExporter(cfg.Metrics.Textfile),
				Logger:          e.logger,
			})
			if err != nil {
				return err
			}
			res, err := tr.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s %s after %d epochs (best kappa %.4f at epoch %d)\ncheckpoint: %s\n",
				res.RunID, res.State, res.Epochs, res.BestKappa, res.BestEpoch, res.Checkpoint)
			return nil
		},
	}
}

func evaluateCmd(g *globalFlags) *cobra.Command {
	var partition, output string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a checkpoint on a labeled partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.setup(true)
			if err != nil {
				return err
			}
			defer e.close()

			parts, missing, err := e.partitions()
			if err != nil {
				return err
			}
			entries, err := parts.Named(partition)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return failure.Newf(failure.Dataset, "evaluate", "partition %q is empty", partition)
			}
			opts := e.inferenceOptions()
			if partition == dataset.PartitionAll {
				opts.PriorSkipped = missing
			}
			engine, err := inference.Load(e.checkpoint(g.overrides.Checkpoint), architecture(e.cfg), e.pre, opts)
			if err != nil {
				return err
			}
			report, err := engine.Run(cmd.Context(), entries)
			if err != nil {
				return err
			}
			if output != "" {
				if err := writePredictionFile(output, report.Predictions); err != nil {
					return err
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Partition string `json:"partition"`
				Skipped   int    `json:"skipped"`
				*metrics.Evaluation
			}{partition, report.Skipped, report.Evaluation})
		},
	}
	cmd.Flags().StringVar(&partition, "partition", dataset.PartitionTest, "Partition to score: train, validation, test or all")
	cmd.Flags().StringVar(&output, "output", "", "Also write per-image predictions as CSV to this file")
	return cmd
}

func predictCmd(g *globalFlags) *cobra.Command {
	var input, output string
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict severity grades for unlabeled images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if input != "" {
				g.overrides.DataRoot = input
			}
			e, err := g.setup(true)
			if err != nil {
				return err
			}
			defer e.close()

			ix, err := dataset.BuildUnlabeled(e.cfg.Data.Root, e.cfg.Data.Extensions)
			if err != nil {
				return err
			}
			engine, err := inference.Load(e.checkpoint(g.overrides.Checkpoint), architecture(e.cfg), e.pre, e.inferenceOptions())
			if err != nil {
				return err
			}
			report, err := engine.Run(cmd.Context(), ix.Entries)
			if err != nil {
				return err
			}
			e.logger.Info("prediction finished", zap.Int("predicted", len(report.Predictions)), zap.Int("skipped", report.Skipped))
			if output == "" {
				return writePredictions(cmd.OutOrStdout(), report.Predictions)
			}
			return writePredictionFile(output, report.Predictions)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Directory of images to predict (defaults to data.root)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "CSV output file (defaults to stdout)")
	return cmd
}

func preprocessCmd(g *globalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Write the preprocessed version of every image under data.root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.setup(true)
			if err != nil {
				return err
			}
			defer e.close()

			ix, err := dataset.BuildUnlabeled(e.cfg.Data.Root, e.cfg.Data.Extensions)
			if err != nil {
				return err
			}
			start := time.Now()
			stats, err := e.pre.Export(cmd.Context(), ix.Entries, output, e.cfg.Train.NumWorkers, e.logger)
			if err != nil {
				return err
			}
			e.logger.Info("preprocessing finished",
				zap.Int("written", stats.Written),
				zap.Int("failed", stats.Failed),
				zap.Duration("elapsed", time.Since(start)),
			)
			if stats.Written == 0 && stats.Failed > 0 {
				return failure.Newf(failure.Preprocessing, "export", "none of %d images could be processed", stats.Failed)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d images to %s (%d failed)\n", stats.Written, output, stats.Failed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

// runView is the YAML rendering of a stored run.
type runView struct {
	ID           string                `yaml:"id"`
	State        string                `yaml:"state"`
	StartedAt    time.Time             `yaml:"started_at"`
	FinishedAt   *time.Time            `yaml:"finished_at,omitempty"`
	Architecture string                `yaml:"architecture,omitempty"`
	Epochs       int                   `yaml:"epochs"`
	BestKappa    *float64              `yaml:"best_kappa,omitempty"`
	Checkpoint   string                `yaml:"checkpoint,omitempty"`
	Error        string                `yaml:"error,omitempty"`
	History      []metrics.EpochRecord `yaml:"history,omitempty"`
}

func runsCmd(g *globalFlags) *cobra.Command {
	var dbPath, runID string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded training runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.setup(false)
			if err != nil {
				return err
			}
			defer e.close()
			if dbPath == "" {
				dbPath = e.cfg.Metrics.RunStore
			}
			if dbPath == "" {
				return errors.New("no run store configured (set metrics.run_store or --db)")
			}
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("run store: %w", err)
			}
			store, err := runstore.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()
			views, err := listRuns(cmd.Context(), store, runID, limit)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(views)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Run store path (defaults to metrics.run_store)")
	cmd.Flags().StringVar(&runID, "run", "", "Show only this run, with its epoch history")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	return cmd
}

func listRuns(ctx context.Context, store *runstore.Store, runID string, limit int) ([]runView, error) {
	if runID != "" {
		limit = 0
	}
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	views := make([]runView, 0, len(runs))
	for _, r := range runs {
		if runID != "" && r.ID != runID {
			continue
		}
		v := runView{
			ID: r.ID, State: r.State, StartedAt: r.StartedAt, FinishedAt: r.FinishedAt,
			Architecture: r.Architecture, Epochs: r.Epochs, BestKappa: r.BestKappa,
			Checkpoint: r.Checkpoint, Error: r.Error,
		}
		if runID != "" {
			if v.History, err = store.Epochs(ctx, r.ID); err != nil {
				return nil, err
			}
		}
		views = append(views, v)
	}
	if runID != "" && len(views) == 0 {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return views, nil
}

// writePredictions emits one CSV row per prediction:
// image, predicted level, true label (empty when unknown), probabilities.
func writePredictions(w io.Writer, preds []inference.Prediction) error {
	cw := csv.NewWriter(w)
	header := []string{"image", "level", "label"}
	for c := 0; c < dataset.NumClasses; c++ {
		header = append(header, "p"+strconv.Itoa(c))
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, p := range preds {
		row := []string{p.Key, strconv.Itoa(p.Class), ""}
		if p.Labeled {
			row[2] = strconv.Itoa(p.Label)
		}
		for _, prob := range p.Probabilities {
			row = append(row, strconv.FormatFloat(prob, 'f', 6, 64))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writePredictionFile(path string, preds []inference.Prediction) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create predictions file: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return writePredictions(f, preds)
}
