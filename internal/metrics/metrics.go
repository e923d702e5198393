// Package metrics exposes channel and dispatcher counters in the Prometheus
// text format. Every series is a CounterFunc or GaugeFunc read from a stats
// snapshot at scrape time, so the interrupt path only does atomic adds.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tools.zach/dev/neildev/internal/device"
	"tools.zach/dev/neildev/internal/logger"
)

const namespace = "neildev"

// StatsSource yields a device snapshot; [device.Module] satisfies it.
type StatsSource interface {
	Stats() device.Stats
}

// DispatchSource yields dispatcher totals; [irq.Dispatcher] satisfies it.
type DispatchSource interface {
	Raised() uint64
	Spurious() uint64
	Faults() uint64
}

// Collector owns the registry the daemon serves.
type Collector struct {
	registry *prometheus.Registry
}

// New registers the neildev series. irqs may be nil.
func New(stats StatsSource, irqs DispatchSource) *Collector {
	reg := prometheus.NewRegistry()

	counter := func(name, help string, get func(device.Stats) uint64) {
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return float64(get(stats.Stats())) },
		))
	}
	gauge := func(name, help string, get func(device.Stats) int) {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return float64(get(stats.Stats())) },
		))
	}

	counter("interrupts_total", "Interrupts handled by the channel producer.",
		func(s device.Stats) uint64 { return s.Interrupts })
	counter("readiness_observed_total", "Readiness queries that consumed an event.",
		func(s device.Stats) uint64 { return s.Observed })
	counter("opens_total", "Successful opens of the channel.",
		func(s device.Stats) uint64 { return s.Opens })
	counter("reads_total", "Read calls on the channel.",
		func(s device.Stats) uint64 { return s.Reads })
	counter("writes_total", "Write calls on the channel.",
		func(s device.Stats) uint64 { return s.Writes })
	counter("bytes_read_total", "Bytes returned by reads.",
		func(s device.Stats) uint64 { return s.BytesRead })
	counter("bytes_written_total", "Bytes retained by writes.",
		func(s device.Stats) uint64 { return s.BytesWritten })
	gauge("open_handles", "Currently open handles.",
		func(s device.Stats) int { return s.Handles })
	gauge("waiters", "Goroutines blocked waiting for readiness.",
		func(s device.Stats) int { return s.Waiters })

	if irqs != nil {
		for _, c := range []struct {
			name, help string
			get        func() uint64
		}{
			{"irq_raised_total", "Interrupts raised on any line.", irqs.Raised},
			{"irq_spurious_total", "Interrupts raised on lines with no handler.", irqs.Spurious},
			{"irq_faults_total", "Interrupt handlers that panicked.", irqs.Faults},
		} {
			get := c.get
			reg.MustRegister(prometheus.NewCounterFunc(
				prometheus.CounterOpts{Namespace: namespace, Name: c.name, Help: c.help},
				func() float64 { return float64(get()) },
			))
		}
	}

	return &Collector{registry: reg}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	return c.serve(ctx, ln, log)
}

func (c *Collector) serve(ctx context.Context, ln net.Listener, log *slog.Logger) error {
	if log == nil {
		log = logger.Discard()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
