package dataset

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"retina-forge/internal/failure"
)

// Sample is one loaded fundus image. It is never mutated after Load.
type Sample struct {
	Key     string
	Image   []byte
	Label   int
	Labeled bool
}

// Entry references an image on disk and its optional label.
type Entry struct {
	Key     string
	Path    string
	Label   int
	Labeled bool
}

// Load reads the entry's image bytes.
func (e Entry) Load() (Sample, error) {
	data, err := os.ReadFile(e.Path)
	if err != nil {
		return Sample{}, failure.New(failure.Dataset, "load "+e.Key, err)
	}
	return Sample{Key: e.Key, Image: data, Label: e.Label, Labeled: e.Labeled}, nil
}

// Index is the resolved set of entries under a dataset root.
type Index struct {
	Root    string
	Entries []Entry
	// Missing lists label-table keys with no image under Root.
	Missing []string
}

// IndexOptions configures Build.
type IndexOptions struct {
	Root       string
	LabelsPath string
	Extensions []string
	// ExpectedCount, when > 0, is the number of rows the label table must have.
	ExpectedCount int
	// MaxSkipFraction bounds the fraction of label rows whose image may be
	// missing before Build fails.
	MaxSkipFraction float64
	Logger          *zap.Logger
}

// Build joins the label table with the images discovered under the root.
// Entries follow label-table order.
func Build(opts IndexOptions) (*Index, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rows, err := ReadLabelFile(opts.LabelsPath)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, failure.Newf(failure.Dataset, "build index", "label table %s has no rows", opts.LabelsPath)
	}
	if opts.ExpectedCount > 0 && len(rows) != opts.ExpectedCount {
		return nil, failure.Newf(failure.Dataset, "build index", "label table has %d rows, expected %d", len(rows), opts.ExpectedCount)
	}
	images, err := DiscoverImages(opts.Root, opts.Extensions)
	if err != nil {
		return nil, err
	}

	ix := &Index{Root: opts.Root, Entries: make([]Entry, 0, len(rows))}
	for _, row := range rows {
		path, ok := images[row.Key]
		if !ok {
			ix.Missing = append(ix.Missing, row.Key)
			continue
		}
		ix.Entries = append(ix.Entries, Entry{Key: row.Key, Path: path, Label: row.Label, Labeled: true})
	}

	if len(ix.Missing) > 0 {
		fraction := float64(len(ix.Missing)) / float64(len(rows))
		if fraction > opts.MaxSkipFraction {
			return nil, failure.Newf(failure.Dataset, "build index",
				"%d of %d referenced images missing (%.2f%% > %.2f%% allowed): %s",
				len(ix.Missing), len(rows), 100*fraction, 100*opts.MaxSkipFraction, describeMissing(ix.Missing))
		}
		logger.Warn("skipping missing images",
			zap.Int("missing", len(ix.Missing)),
			zap.Int("referenced", len(rows)),
			zap.String("keys", describeMissing(ix.Missing)),
		)
	}
	logger.Info("dataset indexed", zap.String("root", opts.Root), zap.Int("samples", len(ix.Entries)))
	return ix, nil
}

// BuildUnlabeled indexes every image under root without labels, in key order.
func BuildUnlabeled(root string, exts []string) (*Index, error) {
	images, err := DiscoverImages(root, exts)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, failure.Newf(failure.Dataset, "build index", "no images under %s", root)
	}
	ix := &Index{Root: root}
	for _, key := range sortedKeys(images) {
		ix.Entries = append(ix.Entries, Entry{Key: key, Path: images[key]})
	}
	return ix, nil
}

// Labels returns the label of every labeled entry.
func (ix *Index) Labels() []int {
	out := make([]int, 0, len(ix.Entries))
	for _, e := range ix.Entries {
		if e.Labeled {
			out = append(out, e.Label)
		}
	}
	return out
}

// Samples streams the index lazily: each image is read only when the
// consumer is ready for it. The error channel carries at most one error.
func (ix *Index) Samples(ctx context.Context) (<-chan Sample, <-chan error) {
	out := make(chan Sample)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for _, entry := range ix.Entries {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}
			sample, err := entry.Load()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- sample:
			}
		}
	}()
	return out, errCh
}

// ClassCounts tallies labels per severity grade.
func ClassCounts(entries []Entry) [NumClasses]int {
	var counts [NumClasses]int
	for _, e := range entries {
		if e.Labeled && e.Label >= 0 && e.Label < NumClasses {
			counts[e.Label]++
		}
	}
	return counts
}

func (e Entry) String() string {
	if !e.Labeled {
		return e.Key
	}
	return fmt.Sprintf("%s(%d)", e.Key, e.Label)
}
