// Package metrics holds the Prometheus instrumentation shared by the serial
// codec engine and the FRU access engine. It follows the same
// package-level-counter pattern the teacher uses in bmc.go
// (v2ConnectionsOpen.Inc() and friends), just collected in one place since
// this module has more of them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "ipmiserv"

var (
	ChannelsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "serial",
		Name:      "channels_open",
		Help:      "Number of serial IPMI channels currently configured.",
	})

	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "serial",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames dropped by a codec, by codec variant and reason.",
	}, []string{"codec", "reason"})

	FramesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "serial",
		Name:      "frames_delivered_total",
		Help:      "Inbound frames successfully decoded and dispatched upstream.",
	}, []string{"codec"})

	AttentionSignals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "serial",
		Name:      "attention_signals_total",
		Help:      "Attention byte sequences written on an empty-to-non-empty queue transition.",
	})

	FRUFetchAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fru",
		Name:      "fetch_attempts_total",
		Help:      "FRU read cycles started by the reader (one per Fetch call).",
	})

	FRUFetchShrinks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fru",
		Name:      "fetch_shrinks_total",
		Help:      "Times the reader decremented fetch_size after a size-related completion code.",
	})

	FRUFetchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fru",
		Name:      "fetch_outcomes_total",
		Help:      "Terminal outcomes of a FRU read cycle.",
	}, []string{"outcome"})

	FRUWriteRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fru",
		Name:      "write_busy_retries_total",
		Help:      "Completion code 0x81 (FRU device busy) retries seen by the writer.",
	})

	FRUWriteOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fru",
		Name:      "write_outcomes_total",
		Help:      "Terminal outcomes of a FRU write session.",
	}, []string{"outcome"})

	FRURegistrySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fru",
		Name:      "registry_size",
		Help:      "Number of FRU handles currently tracked by a registry.",
	})

	OEMProbesMatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oem",
		Name:      "probes_matched_total",
		Help:      "GET_DEVICE_ID probes that matched a registered OEM handler.",
	})
)

func init() {
	prometheus.MustRegister(
		ChannelsOpen,
		FramesDropped,
		FramesDelivered,
		AttentionSignals,
		FRUFetchAttempts,
		FRUFetchShrinks,
		FRUFetchOutcomes,
		FRUWriteRetries,
		FRUWriteOutcomes,
		FRURegistrySize,
		OEMProbesMatched,
	)
}
