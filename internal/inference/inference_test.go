package inference

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorgonia.org/tensor"

	"retina-forge/internal/dataset"
	"retina-forge/internal/failure"
	"retina-forge/internal/model"
	"retina-forge/internal/preprocess"
	"retina-forge/internal/testutil"
)

func testArch() model.Architecture {
	return model.Architecture{
		Name: model.PooledMLPName, Version: "v1",
		Channels: 3, Height: 8, Width: 8,
		Grid: 4, Hidden: 6, Classes: 5,
	}
}

func testPreprocessor(t *testing.T) *preprocess.Preprocessor {
	t.Helper()
	p, err := preprocess.New(preprocess.Options{Size: 8, GrayTolerance: 7, CropBorders: true, CircleCrop: true, BlurSigma: 1})
	require.NoError(t, err)
	return p
}

func saveModel(t *testing.T) string {
	t.Helper()
	m, err := model.NewPooledMLP(testArch(), 11)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "final.ckpt")
	require.NoError(t, model.SaveCheckpoint(path, m, model.Metadata{Epoch: 4, RunID: "run-x"}))
	return path
}

func labeledEntries(t *testing.T, labels []int) []dataset.Entry {
	t.Helper()
	imagesDir, labelsPath := testutil.WriteDataset(t, t.TempDir(), 32, labels)
	ix, err := dataset.Build(dataset.IndexOptions{Root: imagesDir, LabelsPath: labelsPath, Extensions: dataset.DefaultExtensions})
	require.NoError(t, err)
	return ix.Entries
}

func TestRunLabeledProducesEvaluation(t *testing.T) {
	entries := labeledEntries(t, []int{0, 1, 2, 3, 4})
	e, err := Load(saveModel(t), testArch(), testPreprocessor(t), Options{BatchSize: 2, NumWorkers: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, e.Metadata().Epoch)

	report, err := e.Run(context.Background(), entries)
	require.NoError(t, err)
	require.Len(t, report.Predictions, 5)
	for i, p := range report.Predictions {
		assert.Equal(t, entries[i].Key, p.Key)
		assert.Equal(t, entries[i].Label, p.Label)
		assert.True(t, p.Labeled)
		require.Len(t, p.Probabilities, 5)
		assert.Equal(t, argmax(p.Probabilities), p.Class)
	}
	require.NotNil(t, report.Evaluation)
	assert.Equal(t, 5, report.Evaluation.Samples)
	assert.Greater(t, report.Evaluation.MeanLoss, 0.0)
	total := 0
	for _, row := range report.Evaluation.Confusion {
		for _, v := range row {
			total += v
		}
	}
	assert.Equal(t, 5, total)
}

func TestRunUnlabeledHasNoEvaluation(t *testing.T) {
	imagesDir, _ := testutil.WriteDataset(t, t.TempDir(), 32, []int{0, 0, 0})
	ix, err := dataset.BuildUnlabeled(imagesDir, dataset.DefaultExtensions)
	require.NoError(t, err)

	e, err := Load(saveModel(t), testArch(), testPreprocessor(t), Options{})
	require.NoError(t, err)
	report, err := e.Run(context.Background(), ix.Entries)
	require.NoError(t, err)
	assert.Len(t, report.Predictions, 3)
	assert.Nil(t, report.Evaluation)
	for _, p := range report.Predictions {
		assert.False(t, p.Labeled)
	}
}

func TestLoadIncompatibleCheckpoint(t *testing.T) {
	path := saveModel(t)
	arch := testArch()
	arch.Version = "v2"
	_, err := Load(path, arch, testPreprocessor(t), Options{})
	require.ErrorIs(t, err, failure.ErrInference)
	require.ErrorIs(t, err, failure.ErrModelLoad)
	assert.Equal(t, 5, failure.ExitCode(err))

	garbage := filepath.Join(t.TempDir(), "garbage.ckpt")
	require.NoError(t, os.WriteFile(garbage, []byte("RFCK-not-really"), 0o644))
	_, err = Load(garbage, testArch(), testPreprocessor(t), Options{})
	require.ErrorIs(t, err, failure.ErrInference)

	_, err = Load(filepath.Join(t.TempDir(), "missing.ckpt"), testArch(), testPreprocessor(t), Options{})
	require.ErrorIs(t, err, failure.ErrInference)
}

func TestRunSkipsCorruptSample(t *testing.T) {
	entries := labeledEntries(t, []int{0, 1, 2, 3})
	require.NoError(t, os.WriteFile(entries[1].Path, []byte{0xFF, 0xD8, 0x00}, 0o644))
	core, logs := observer.New(zap.WarnLevel)

	e, err := Load(saveModel(t), testArch(), testPreprocessor(t), Options{MaxSkipFraction: 0.25, Logger: zap.New(core)})
	require.NoError(t, err)
	report, err := e.Run(context.Background(), entries)
	require.NoError(t, err)
	assert.Len(t, report.Predictions, 3)
	assert.Equal(t, 1, report.Skipped)
	require.NotNil(t, report.Evaluation)
	assert.Equal(t, 3, report.Evaluation.Samples)
	assert.Equal(t, 1, logs.FilterMessage("skipping sample").Len())

	e, err = Load(saveModel(t), testArch(), testPreprocessor(t), Options{})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), entries)
	require.ErrorIs(t, err, failure.ErrDataset)
}

type brokenModel struct{ *model.PooledMLP }

func (brokenModel) Predict(*tensor.Dense) ([]float64, error) {
	return nil, errors.New("backend unavailable")
}

func TestRunPredictFailureIsInferenceError(t *testing.T) {
	m, err := model.NewPooledMLP(testArch(), 1)
	require.NoError(t, err)
	e := New(brokenModel{m}, testPreprocessor(t), Options{NumWorkers: 2})
	_, err = e.Run(context.Background(), labeledEntries(t, []int{0, 1, 2}))
	require.ErrorIs(t, err, failure.ErrInference)
	assert.Contains(t, err.Error(), "backend unavailable")
}

type nanModel struct{ *model.PooledMLP }

func (m nanModel) Predict(*tensor.Dense) ([]float64, error) {
	probs := make([]float64, m.Architecture().Classes)
	for i := range probs {
		probs[i] = math.NaN()
	}
	return probs, nil
}

func TestRunRejectsNonFiniteProbabilities(t *testing.T) {
	m, err := model.NewPooledMLP(testArch(), 1)
	require.NoError(t, err)
	e := New(nanModel{m}, testPreprocessor(t), Options{NumWorkers: 2})
	report, err := e.Run(context.Background(), labeledEntries(t, []int{0, 1, 2}))
	require.ErrorIs(t, err, failure.ErrInference)
	assert.Contains(t, err.Error(), "probability of class 0 is NaN")
	assert.Empty(t, report.Predictions)
	assert.Equal(t, 5, failure.ExitCode(err))
}

func TestCheckProbabilities(t *testing.T) {
	require.NoError(t, checkProbabilities([]float64{0.5, 0.5}, 2))
	require.Error(t, checkProbabilities([]float64{1}, 2))
	require.Error(t, checkProbabilities([]float64{0.5, math.Inf(1)}, 2))
}
