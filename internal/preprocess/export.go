package preprocess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"retina-forge/internal/dataset"
)

// ExportStats summarizes an Export run.
type ExportStats struct {
	Written int
	Failed  int
}

// Export writes the processed image of every entry into outDir, keeping the
// source file name where the format can be encoded and falling back to PNG
// otherwise. A failing image is logged and skipped; only I/O errors on the
// output directory abort the run.
func (p *Preprocessor) Export(ctx context.Context, entries []dataset.Entry, outDir string, workers int, logger *zap.Logger) (ExportStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return ExportStats{}, fmt.Errorf("create output dir: %w", err)
	}
	if workers <= 0 {
		workers = 1
	}

	var written, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, entry := range entries {
		if gctx.Err() != nil {
			break
		}
		entry := entry
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sample, err := entry.Load()
			if err == nil {
				err = p.save(sample, exportPath(outDir, entry.Path))
			}
			if err != nil {
				failed.Add(1)
				logger.Warn("failed to process image", zap.String("key", entry.Key), zap.Error(err))
				return nil
			}
			written.Add(1)
			logger.Debug("processed image saved", zap.String("key", entry.Key))
			return nil
		})
	}
	err := g.Wait()
	stats := ExportStats{Written: int(written.Load()), Failed: int(failed.Load())}
	if err != nil {
		return stats, err
	}
	return stats, ctx.Err()
}

func (p *Preprocessor) save(s dataset.Sample, path string) error {
	img, err := p.Image(s)
	if err != nil {
		return err
	}
	return imaging.Save(img, path)
}

func exportPath(outDir, src string) string {
	name := filepath.Base(src)
	if _, err := imaging.FormatFromFilename(name); err != nil {
		name = keyWithoutExt(name) + ".png"
	}
	return filepath.Join(outDir, name)
}

func keyWithoutExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
