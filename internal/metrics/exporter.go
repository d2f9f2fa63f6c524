package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// Exporter keeps training gauges in a private registry and writes them in
// the Prometheus text format to a file a node exporter can collect. A nil
// Exporter discards everything.
type Exporter struct {
	path     string
	registry *prometheus.Registry

	epoch        prometheus.Gauge
	trainLoss    prometheus.Gauge
	valLoss      prometheus.Gauge
	valKappa     prometheus.Gauge
	valAccuracy  prometheus.Gauge
	imagesPerSec prometheus.Gauge
	samples      prometheus.Counter
	skipped      prometheus.Counter
	state        *prometheus.GaugeVec
}

// NewExporter returns an Exporter writing to path. An empty path returns
// nil.
func NewExporter(path string) *Exporter {
	if path == "" {
		return nil
	}
	e := &Exporter{
		path:     path,
		registry: prometheus.NewRegistry(),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "retina", Subsystem: "train", Name: "epoch",
			Help: "Number of completed training epochs.",
		}),
		trainLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "retina", Subsystem: "train", Name: "loss",
			Help: "Mean training loss of the last epoch.",
		}),
		valLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "retina", Subsystem: "validation", Name: "loss",
			Help: "Mean validation loss of the last epoch.",
		}),
		valKappa: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "retina", Subsystem: "validation", Name: "kappa",
			Help: "Quadratic weighted kappa on the validation partition.",
		}),
		valAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "retina", Subsystem: "validation", Name: "accuracy",
			Help: "Accuracy on the validation partition.",
		}),
		imagesPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "retina", Subsystem: "train", Name: "images_per_second",
			Help: "Training throughput over the last epoch.",
		}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "retina", Subsystem: "train", Name: "samples_total",
			Help: "Training samples consumed.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "retina", Subsystem: "loader", Name: "skipped_samples_total",
			Help: "Samples skipped because they could not be loaded or preprocessed.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "retina", Subsystem: "train", Name: "state",
			Help: "1 for the current training state, 0 otherwise.",
		}, []string{"state"}),
	}
	e.registry.MustRegister(e.epoch, e.trainLoss, e.valLoss, e.valKappa, e.valAccuracy,
		e.imagesPerSec, e.samples, e.skipped, e.state)
	return e
}

// Registry exposes the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	if e == nil {
		return nil
	}
	return e.registry
}

// ObserveEpoch updates the gauges from rec.
func (e *Exporter) ObserveEpoch(rec EpochRecord) {
	if e == nil {
		return
	}
	e.epoch.Set(float64(rec.Epoch))
	e.trainLoss.Set(rec.TrainLoss)
	e.valLoss.Set(rec.ValLoss)
	e.valKappa.Set(rec.ValKappa)
	e.valAccuracy.Set(rec.ValAccuracy)
	e.imagesPerSec.Set(rec.ImagesPerSec)
	e.samples.Add(float64(rec.TrainSamples))
	e.skipped.Add(float64(rec.Skipped))
}

// SetState marks state as current and clears every other known state.
func (e *Exporter) SetState(state string, known []string) {
	if e == nil {
		return
	}
	for _, s := range known {
		e.state.WithLabelValues(s).Set(0)
	}
	e.state.WithLabelValues(state).Set(1)
}

// Flush writes the current values to the textfile.
func (e *Exporter) Flush() error {
	if e == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(e.path, e.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
