// Package stats implements the GetStatistics() REST payload (spec.md
// §4.6) plus the process's internal prometheus counters/gauges, the same
// metrics-family split the teacher's own stats package keeps between a
// human-facing summary and a scrape endpoint.
package stats

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pacsd/pacsd/index"
)

// Collector registers and updates the process's Prometheus metrics.
type Collector struct {
	instancesStored prometheus.Counter
	instancesDeleted prometheus.Counter
	bytesStored     prometheus.Counter
	evictions       prometheus.Counter
	patientsGauge   prometheus.Gauge
	registry        *prometheus.Registry
}

// NewCollector builds and registers a fresh metric set. The core
// constructs a new Collector (and Registry) across a restart-barrier
// reset the same as every other pipeline stage (spec.md §5).
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		instancesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pacsd_instances_stored_total", Help: "Total DICOM instances successfully stored.",
		}),
		instancesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pacsd_instances_deleted_total", Help: "Total DICOM instances deleted.",
		}),
		bytesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pacsd_bytes_stored_total", Help: "Total compressed bytes written to the storage area.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pacsd_patients_evicted_total", Help: "Total patients evicted to satisfy storage limits.",
		}),
		patientsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pacsd_patients_current", Help: "Current number of patients in the index.",
		}),
	}
	reg.MustRegister(c.instancesStored, c.instancesDeleted, c.bytesStored, c.evictions, c.patientsGauge)
	return c
}

// Registry exposes the underlying prometheus.Registry for httpapi to
// mount a /metrics scrape handler against.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveChange updates counters from a committed change event.
func (c *Collector) ObserveChange(ev index.ChangeEvent) {
	switch ev.Kind {
	case index.ChangeNewInstance:
		c.instancesStored.Inc()
	case index.ChangeDeletedInstance:
		c.instancesDeleted.Inc()
	case index.ChangeDeletedPatient:
		c.evictions.Inc()
	}
}

// ObserveBytesStored records a blob write.
func (c *Collector) ObserveBytesStored(n int64) {
	c.bytesStored.Add(float64(n))
}

// Summary is the JSON shape of GetStatistics() (spec.md §4.6).
type Summary struct {
	CountPatients         int64 `json:"CountPatients"`
	CountStudies          int64 `json:"CountStudies"`
	CountSeries           int64 `json:"CountSeries"`
	CountInstances        int64 `json:"CountInstances"`
	TotalDiskSize         int64 `json:"TotalDiskSize"`
	TotalUncompressedSize int64 `json:"TotalUncompressedSize"`
}

// GetStatistics reads the current counts straight from the index (the
// authoritative source; the prometheus counters above are monotonic
// event tallies, not current-state gauges, except patientsGauge which
// this keeps in sync as a side effect).
func GetStatistics(ctx context.Context, idx *index.Index, c *Collector) (Summary, error) {
	s, err := idx.GetStatistics(ctx)
	if err != nil {
		return Summary{}, err
	}
	if c != nil {
		c.patientsGauge.Set(float64(s.CountPatients))
	}
	return Summary{
		CountPatients:         s.CountPatients,
		CountStudies:          s.CountStudies,
		CountSeries:           s.CountSeries,
		CountInstances:        s.CountInstances,
		TotalDiskSize:         s.TotalCompressedSize,
		TotalUncompressedSize: s.TotalUncompressedSize,
	}, nil
}
