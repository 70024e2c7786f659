// Package metrics registers this project's Prometheus instrumentation:
// per-zone encode/fanout health, output-driver errors, and group size,
// collected from the engine, audio manager, and group coordinator on a
// fixed interval and exposed over promhttp for scraping.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
)

// StatsSource exposes per-zone engine statistics. *playback.Service
// satisfies this implicitly.
type StatsSource interface {
	Stats(zoneID int) map[models.OutputProfile]models.EngineStats
}

// ZoneLister enumerates the zone ids currently configured, so the
// collector knows which zones to poll for stats each tick.
type ZoneLister interface {
	ZoneIDs() []int
}

// Recorder owns this project's Prometheus metric objects and the
// periodic collection goroutine that keeps gauges current.
type Recorder struct {
	stats StatsSource
	zones ZoneLister
	log   zerolog.Logger

	encodeBytes        *prometheus.GaugeVec
	subscriberGauge    *prometheus.GaugeVec
	subscriberDrops    *prometheus.GaugeVec
	restarts           *prometheus.GaugeVec
	bufferedBytes      *prometheus.GaugeVec
	outputErrorsTotal  *prometheus.CounterVec
	groupSize          *prometheus.GaugeVec
	announcementsTotal prometheus.Counter
}

// New registers every metric against reg (pass prometheus.DefaultRegisterer
// for the global registry) and returns a Recorder ready to poll stats
// and record discrete events.
func New(reg prometheus.Registerer, stats StatsSource, zones ZoneLister, log zerolog.Logger) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		stats: stats,
		zones: zones,
		log:   log.With().Str("component", "metrics").Logger(),

		encodeBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zonecast", Subsystem: "engine", Name: "encode_bytes_total",
			Help: "Cumulative bytes produced by a zone's transcode engine, by profile.",
		}, []string{"zone", "profile"}),
		subscriberGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zonecast", Subsystem: "engine", Name: "subscribers",
			Help: "Current subscriber count per zone and profile fanout.",
		}, []string{"zone", "profile"}),
		subscriberDrops: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zonecast", Subsystem: "engine", Name: "subscriber_drops_total",
			Help: "Cumulative chunks dropped for subscribers that fell behind, per zone and profile.",
		}, []string{"zone", "profile"}),
		restarts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zonecast", Subsystem: "engine", Name: "restarts_total",
			Help: "Cumulative encoder subprocess restarts per zone and profile.",
		}, []string{"zone", "profile"}),
		bufferedBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zonecast", Subsystem: "engine", Name: "buffered_bytes",
			Help: "Bytes currently held in a fanout's ring buffer.",
		}, []string{"zone", "profile"}),
		outputErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonecast", Subsystem: "output", Name: "errors_total",
			Help: "Output driver errors surfaced to AudioManager, by zone and protocol.",
		}, []string{"zone", "protocol"}),
		groupSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zonecast", Subsystem: "group", Name: "member_count",
			Help: "Current member count of a mixed or homogeneous group, by leader zone.",
		}, []string{"leader_zone"}),
		announcementsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "zonecast", Subsystem: "announce", Name: "played_total",
			Help: "Total PA-style announcements played.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOutputError increments the output-error counter for a zone's
// bound driver protocol.
func (r *Recorder) RecordOutputError(zoneID int, protocol string) {
	r.outputErrorsTotal.WithLabelValues(zoneIDLabel(zoneID), protocol).Inc()
}

// RecordGroupSize sets the current member count for a group led by
// leaderZoneID.
func (r *Recorder) RecordGroupSize(leaderZoneID, memberCount int) {
	r.groupSize.WithLabelValues(zoneIDLabel(leaderZoneID)).Set(float64(memberCount))
}

// RecordAnnouncement increments the announcement-played counter.
func (r *Recorder) RecordAnnouncement() {
	r.announcementsTotal.Inc()
}

// Run polls StatsSource every interval until ctx is done, updating
// engine-derived gauges and counters for every configured zone.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll()
		}
	}
}

func (r *Recorder) poll() {
	if r.stats == nil || r.zones == nil {
		return
	}
	for _, zoneID := range r.zones.ZoneIDs() {
		zl := zoneIDLabel(zoneID)
		for profile, st := range r.stats.Stats(zoneID) {
			pl := string(profile)
			r.subscriberGauge.WithLabelValues(zl, pl).Set(float64(st.Subscribers))
			r.bufferedBytes.WithLabelValues(zl, pl).Set(float64(st.BufferedBytes))
			r.encodeBytes.WithLabelValues(zl, pl).Set(float64(st.Bytes))
			r.restarts.WithLabelValues(zl, pl).Set(float64(st.Restarts))
			r.subscriberDrops.WithLabelValues(zl, pl).Set(float64(st.SubscriberDrops))
		}
	}
}

func zoneIDLabel(zoneID int) string {
	return itoa(zoneID)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
