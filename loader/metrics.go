package loader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Values of the source label.
const (
	SourceMemory  = "memory"
	SourceCache   = "cache"
	SourceNetwork = "network"
	SourceError   = "error"
)

type metrics struct {
	pageLoads   *prometheus.CounterVec
	detailLoads *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		pageLoads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "directory",
				Name:      "page_loads_total",
				Help:      "Page loads by where the records came from.",
			},
			[]string{"source"},
		),
		detailLoads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "directory",
				Name:      "detail_loads_total",
				Help:      "Detail loads by where the record came from.",
			},
			[]string{"source"},
		),
	}
}
