package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	MessagesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bagplay",
		Name:      "messages_published_total",
		Help:      "Total number of bag records published, per topic",
	}, []string{"topic"})

	MessagesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bagplay",
		Name:      "messages_skipped_total",
		Help:      "Total number of bag records skipped (unresolvable type or read error), per topic",
	}, []string{"topic"})

	Playing = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bagplay",
		Name:      "playing",
		Help:      "1 while the playback worker is running, else 0",
	})

	Paused = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bagplay",
		Name:      "paused",
		Help:      "1 while playback is paused, else 0",
	})

	PlaybackSpeed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bagplay",
		Name:      "speed",
		Help:      "Current playback speed multiplier",
	})

	PlaybackProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bagplay",
		Name:      "progress_percent",
		Help:      "Playhead progress through the control range, 0..100",
	})

	BagsLoaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bagplay",
		Name:      "bags_loaded_total",
		Help:      "Total number of bags loaded successfully",
	})

	BrokerSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bagplay",
		Subsystem: "broker",
		Name:      "subscribers",
		Help:      "Number of active broker stream subscribers",
	})

	BrokerBroadcastTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bagplay",
		Subsystem: "broker",
		Name:      "broadcast_total",
		Help:      "Total number of messages streamed to subscribers, per topic",
	}, []string{"topic"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(MessagesPublished)
		prometheus.MustRegister(MessagesSkipped)
		prometheus.MustRegister(Playing)
		prometheus.MustRegister(Paused)
		prometheus.MustRegister(PlaybackSpeed)
		prometheus.MustRegister(PlaybackProgress)
		prometheus.MustRegister(BagsLoaded)
		prometheus.MustRegister(BrokerSubscribers)
		prometheus.MustRegister(BrokerBroadcastTotal)
	})
}
