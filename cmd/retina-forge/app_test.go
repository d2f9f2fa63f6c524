package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retina-forge/internal/failure"
	"retina-forge/internal/testutil"
)

type fixture struct {
	dir       string
	imagesDir string
	config    string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	labels := make([]int, 20)
	for i := range labels {
		labels[i] = i % 5
	}
	imagesDir, labelsPath := testutil.WriteDataset(t, dir, 32, labels)
	f := fixture{dir: dir, imagesDir: imagesDir}
	f.config = f.writeConfig(t, "v1", labelsPath)
	return f
}

func (f fixture) writeConfig(t *testing.T, version, labelsPath string) string {
	t.Helper()
	yaml := fmt.Sprintf(`
data:
  root: %[1]s
  labels: %[2]s
  val_fraction: 0.2
  test_fraction: 0.2
  max_skip_fraction: 0
preprocess:
  image_size: 8
  blur_sigma: 1
augment:
  enabled: true
  flip_horizontal: true
model:
  version: %[3]s
  grid: 4
  hidden: 6
  learning_rate: 0.1
train:
  epochs: 2
  batch_size: 4
  num_workers: 2
  patience: 0
  checkpoint_dir: %[4]s/ckpt
  metric_log: %[4]s/metrics.jsonl
  seed: 3
metrics:
  textfile: %[4]s/retina.prom
  run_store: %[4]s/runs.db
logging:
  level: error
`, f.imagesDir, labelsPath, version, f.dir)
	path := filepath.Join(f.dir, "config-"+version+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func execute(args ...string) (string, error) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTrainEvaluatePredict(t *testing.T) {
	f := newFixture(t)

	out, err := execute("train", "--config", f.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "stopped after 2 epochs")
	assert.FileExists(t, filepath.Join(f.dir, "ckpt", "final.ckpt"))
	assert.FileExists(t, filepath.Join(f.dir, "ckpt", "epoch-0002.ckpt"))
	assert.FileExists(t, filepath.Join(f.dir, "metrics.jsonl"))
	assert.FileExists(t, filepath.Join(f.dir, "retina.prom"))

	out, err = execute("evaluate", "--config", f.config, "--partition", "all",
		"--output", filepath.Join(f.dir, "eval.csv"))
	require.NoError(t, err, out)
	var ev struct {
		Partition string  `json:"partition"`
		Samples   int     `json:"samples"`
		Confusion [][]int `json:"confusion"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &ev))
	assert.Equal(t, "all", ev.Partition)
	assert.Equal(t, 20, ev.Samples)
	total := 0
	for _, row := range ev.Confusion {
		for _, v := range row {
			total += v
		}
	}
	assert.Equal(t, 20, total)

	predPath := filepath.Join(f.dir, "pred", "predictions.csv")
	out, err = execute("predict", "--config", f.config, "--input", f.imagesDir, "--output", predPath)
	require.NoError(t, err, out)
	raw, err := os.ReadFile(predPath)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 21)
	assert.Equal(t, []string{"image", "level", "label", "p0", "p1", "p2", "p3", "p4"}, rows[0])
	assert.Empty(t, rows[1][2])

	out, err = execute("runs", "--config", f.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "state: stopped")
	assert.Contains(t, out, "epochs: 2")
}

func TestEvaluateIncompatibleCheckpoint(t *testing.T) {
	f := newFixture(t)
	_, err := execute("train", "--config", f.config, "--epochs", "1")
	require.NoError(t, err)

	v2 := f.writeConfig(t, "v2", filepath.Join(f.dir, "labels.csv"))
	_, err = execute("evaluate", "--config", v2)
	require.ErrorIs(t, err, failure.ErrModelLoad)
	assert.Equal(t, 5, failure.ExitCode(err))
}

func TestMissingLabelsIsDatasetError(t *testing.T) {
	f := newFixture(t)
	_, err := execute("train", "--config", f.config, "--labels", filepath.Join(f.dir, "nope.csv"))
	require.ErrorIs(t, err, failure.ErrDataset)
	assert.Equal(t, 2, failure.ExitCode(err))
}

func TestPreprocessExport(t *testing.T) {
	f := newFixture(t)
	outDir := filepath.Join(f.dir, "processed")
	out, err := execute("preprocess", "--config", f.config, "--output", outDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "wrote 20 images")
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestRunsWithoutStore(t *testing.T) {
	_, err := execute("runs", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, 1, failure.ExitCode(err))
}

func TestVersion(t *testing.T) {
	out, err := execute("version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "retina-forge version "+Version))
}
