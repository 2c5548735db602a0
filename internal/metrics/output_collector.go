package metrics

import (
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RunCounter reports how many run directories the output root holds.
type RunCounter func() (int, error)

type outputCollector struct {
	runs       RunCounter
	stagingDir string
	logger     *slog.Logger

	runDirsDesc    *prometheus.Desc
	stagedFileDesc *prometheus.Desc
}

func newOutputCollector(runs RunCounter, stagingDir string, logger *slog.Logger) *outputCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &outputCollector{
		runs:       runs,
		stagingDir: stagingDir,
		logger:     logger,
		runDirsDesc: prometheus.NewDesc(
			"tiledetect_run_directories",
			"Current number of run directories in the output root.",
			nil,
			nil,
		),
		stagedFileDesc: prometheus.NewDesc(
			"tiledetect_staged_files",
			"Current number of files in the staging directory.",
			nil,
			nil,
		),
	}
}

func (c *outputCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.runDirsDesc
	ch <- c.stagedFileDesc
}

func (c *outputCollector) Collect(ch chan<- prometheus.Metric) {
	if c.runs != nil {
		n, err := c.runs()
		if err != nil {
			c.logger.Warn("prometheus output collector failed", "err", err)
		} else {
			emitGauge(ch, c.runDirsDesc, float64(n))
		}
	}
	if c.stagingDir != "" {
		entries, err := os.ReadDir(c.stagingDir)
		if err == nil || os.IsNotExist(err) {
			emitGauge(ch, c.stagedFileDesc, float64(len(entries)))
		}
	}
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

var registerOutputCollectorOnce sync.Once

func RegisterOutputCollector(runs RunCounter, stagingDir string, logger *slog.Logger) {
	registerOutputCollectorOnce.Do(func() {
		prometheus.MustRegister(newOutputCollector(runs, stagingDir, logger))
	})
}
