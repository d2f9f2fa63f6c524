package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"retina-forge/internal/failure"
	"retina-forge/internal/testutil"
)

func hundredLabels() []int {
	labels := make([]int, 100)
	for i := range labels {
		labels[i] = i % NumClasses
	}
	return labels
}

func TestBuildToleratesMissingWithinThreshold(t *testing.T) {
	root := t.TempDir()
	images, labelsPath := testutil.WriteDataset(t, root, 8, hundredLabels())
	require.NoError(t, os.Remove(filepath.Join(images, "42_left.png")))

	core, logs := observer.New(zap.WarnLevel)
	ix, err := Build(IndexOptions{
		Root:            images,
		LabelsPath:      labelsPath,
		MaxSkipFraction: 0.01,
		Logger:          zap.New(core),
	})
	require.NoError(t, err)
	assert.Len(t, ix.Entries, 99)
	assert.Equal(t, []string{"42_left"}, ix.Missing)
	assert.Equal(t, 1, logs.FilterMessage("skipping missing images").Len())
}

func TestBuildFailsBeyondThreshold(t *testing.T) {
	root := t.TempDir()
	images, labelsPath := testutil.WriteDataset(t, root, 8, hundredLabels())
	require.NoError(t, os.Remove(filepath.Join(images, "42_left.png")))

	_, err := Build(IndexOptions{Root: images, LabelsPath: labelsPath, MaxSkipFraction: 0.005})
	require.ErrorIs(t, err, failure.ErrDataset)
	assert.Contains(t, err.Error(), "42_left")
}

func TestBuildExpectedCount(t *testing.T) {
	root := t.TempDir()
	images, labelsPath := testutil.WriteDataset(t, root, 8, []int{0, 1, 2})

	_, err := Build(IndexOptions{Root: images, LabelsPath: labelsPath, ExpectedCount: 4})
	require.ErrorIs(t, err, failure.ErrDataset)

	ix, err := Build(IndexOptions{Root: images, LabelsPath: labelsPath, ExpectedCount: 3})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, ix.Labels())
}

func TestBuildMalformedLabel(t *testing.T) {
	root := t.TempDir()
	images, labelsPath := testutil.WriteDataset(t, root, 8, []int{0, 1})
	require.NoError(t, os.WriteFile(labelsPath, []byte("image,level\n0_left,0\n1_left,severe\n"), 0o644))

	_, err := Build(IndexOptions{Root: images, LabelsPath: labelsPath})
	require.ErrorIs(t, err, failure.ErrDataset)
}

func TestBuildUnlabeled(t *testing.T) {
	root := t.TempDir()
	images, _ := testutil.WriteDataset(t, root, 8, []int{3, 1})

	ix, err := BuildUnlabeled(images, nil)
	require.NoError(t, err)
	require.Len(t, ix.Entries, 2)
	assert.Equal(t, "0_left", ix.Entries[0].Key)
	assert.False(t, ix.Entries[0].Labeled)
	assert.Empty(t, ix.Labels())

	_, err = BuildUnlabeled(t.TempDir(), nil)
	require.ErrorIs(t, err, failure.ErrDataset)
}

func TestSamplesStreamsLazily(t *testing.T) {
	root := t.TempDir()
	images, labelsPath := testutil.WriteDataset(t, root, 8, []int{0, 1, 2})
	ix, err := Build(IndexOptions{Root: images, LabelsPath: labelsPath})
	require.NoError(t, err)

	samples, errCh := ix.Samples(context.Background())
	first := <-samples
	assert.Equal(t, "0_left", first.Key)
	assert.NotEmpty(t, first.Image)

	// Removing a later image before it is pulled surfaces at pull time.
	require.NoError(t, os.Remove(filepath.Join(images, "2_left.png")))

	var keys []string
	for s := range samples {
		keys = append(keys, s.Key)
	}
	assert.Equal(t, []string{"1_left"}, keys)
	err = <-errCh
	require.ErrorIs(t, err, failure.ErrDataset)
}

func TestClassCounts(t *testing.T) {
	entries := make([]Entry, 0)
	for i, label := range []int{0, 0, 2, 4, 4, 4} {
		entries = append(entries, Entry{Key: fmt.Sprint(i), Label: label, Labeled: true})
	}
	entries = append(entries, Entry{Key: "u"})
	assert.Equal(t, [NumClasses]int{2, 0, 1, 0, 3}, ClassCounts(entries))
}
