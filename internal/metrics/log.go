package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EpochRecord is one line of the metric log.
type EpochRecord struct {
	RunID        string    `json:"run_id" yaml:"run_id"`
	Epoch        int       `json:"epoch" yaml:"epoch"`
	TrainLoss    float64   `json:"train_loss" yaml:"train_loss"`
	ValLoss      float64   `json:"val_loss" yaml:"val_loss"`
	ValKappa     float64   `json:"val_kappa" yaml:"val_kappa"`
	ValAccuracy  float64   `json:"val_accuracy" yaml:"val_accuracy"`
	TrainSamples int       `json:"train_samples" yaml:"train_samples"`
	ValSamples   int       `json:"val_samples" yaml:"val_samples"`
	Skipped      int       `json:"skipped" yaml:"skipped"`
	ImagesPerSec float64   `json:"images_per_sec" yaml:"images_per_sec"`
	Time         time.Time `json:"time" yaml:"time"`
}

// MetricLog appends EpochRecords as JSON lines. Every Append is synced to
// disk before it returns, so a crash never loses a completed epoch.
type MetricLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenMetricLog opens path for appending, creating it and its directory.
func OpenMetricLog(path string) (*MetricLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metric log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metric log: %w", err)
	}
	return &MetricLog{f: f, path: path}, nil
}

// Path returns the file the log appends to.
func (l *MetricLog) Path() string { return l.path }

// Append writes rec as one line and syncs the file.
func (l *MetricLog) Append(rec EpochRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode epoch record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("append metric log: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync metric log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *MetricLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ReadMetricLog returns every record in the log at path, in file order.
func ReadMetricLog(path string) ([]EpochRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metric log: %w", err)
	}
	defer f.Close()

	var out []EpochRecord
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec EpochRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("metric log %s line %d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read metric log: %w", err)
	}
	return out, nil
}
