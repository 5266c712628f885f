// ABOUTME: Prometheus metrics for latency measurements and clock health
// ABOUTME: Backed by a VictoriaMetrics set served on /metrics
package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-logr/logr"

	"github.com/latencyprobe/latencyprobe-go/internal/version"
	"github.com/latencyprobe/latencyprobe-go/pkg/correlate"
	clocksync "github.com/latencyprobe/latencyprobe-go/pkg/sync"
)

// ClockStats is the part of sync.Clock the gauges read
type ClockStats interface {
	Stats() (skew, uncertainty float64, quality clocksync.Quality)
}

// Recorder turns correlation outcomes into metrics
type Recorder struct {
	set       *metrics.Set
	matched   *metrics.Counter
	unmatched *metrics.Counter
	unwatched *metrics.Counter
	start     time.Time
}

// New registers the metric set; clock may be nil until connected
func New(clock ClockStats) *Recorder {
	r := &Recorder{
		set:   metrics.NewSet(),
		start: time.Now(),
	}

	r.matched = r.set.NewCounter(`latencyprobe_events_total{result="matched"}`)
	r.unmatched = r.set.NewCounter(`latencyprobe_events_total{result="unmatched"}`)
	r.unwatched = r.set.NewCounter(`latencyprobe_events_total{result="unwatched"}`)

	if clock != nil {
		r.set.NewGauge(`latencyprobe_clock_skew`, func() float64 {
			skew, _, _ := clock.Stats()
			return skew
		})
		r.set.NewGauge(`latencyprobe_clock_uncertainty_seconds`, func() float64 {
			_, u, _ := clock.Stats()
			return u / 1e6
		})
		r.set.NewGauge(`latencyprobe_clock_quality`, func() float64 {
			_, _, q := clock.Stats()
			return float64(q)
		})
	}

	return r
}

// Observe records one outcome
func (r *Recorder) Observe(out correlate.Outcome) {
	switch {
	case out.Matched:
		r.matched.Inc()
		r.latency(out.Event.Channel, out.Event.Transition.String()).Update(out.LatencyDuration.Seconds())
		if out.HasEmbedded {
			r.set.GetOrCreateHistogram(fmt.Sprintf(`latencyprobe_embedded_latency_seconds{channel="%d"}`, out.Event.Channel)).
				Update(float64(out.EmbeddedLatency) / 1e6)
		}
	case out.Reason == correlate.ReasonUnwatched:
		r.unwatched.Inc()
	default:
		r.unmatched.Inc()
	}
}

func (r *Recorder) latency(channel int, transition string) *metrics.Histogram {
	name := `latencyprobe_latency_seconds{channel="` + strconv.Itoa(channel) + `",transition="` + transition + `"}`
	return r.set.GetOrCreateHistogram(name)
}

// WritePrometheus writes all metrics in text exposition format
func (r *Recorder) WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
	r.set.WritePrometheus(w)

	fmt.Fprintf(w, "latencyprobe_uptime_seconds %d\n", int(time.Since(r.start).Seconds()))
	fmt.Fprintf(w, "latencyprobe_version{version=%q} 1\n", version.Version)
}

// Handler serves /metrics
func (r *Recorder) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
	return mux
}

// Serve runs the metrics endpoint until ctx is done
func (r *Recorder) Serve(ctx context.Context, addr string, log logr.Logger) error {
	srv := &http.Server{Addr: addr, Handler: r.Handler()}

	errChan := make(chan error, 1)
	go func() {
		log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errChan:
		return fmt.Errorf("metrics server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
