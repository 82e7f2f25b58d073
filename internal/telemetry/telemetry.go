// Package telemetry wires the coordinator's counters/gauges (dispatch task
// throughput, worker counts, job outcomes) through the teacher's go-metrics
// sink chain into a Prometheus endpoint exposed by the HTTP control
// surface, grounded on the teacher's telemetry.go metrics-sink setup.
package telemetry

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	gometrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Setup installs a global go-metrics sink that fans out to Prometheus,
// returning the http.Handler to mount at /metrics.
func Setup(log hclog.Logger, serviceName string) (http.Handler, error) {
	sink, err := prometheus.NewPrometheusSink()
	if err != nil {
		return nil, err
	}
	cfg := gometrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = true
	if _, err := gometrics.NewGlobal(cfg, sink); err != nil {
		return nil, err
	}
	log.Info("telemetry sink installed", "service", serviceName)
	return promhttp.Handler(), nil
}

// poll runs fn every interval until stop is closed; used for periodic gauge
// sampling (e.g. active worker count) the way the teacher's own
// fingerprint/heartbeat loops are paced.
func poll(stop <-chan struct{}, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// RunGaugeLoop samples fn every interval and reports it under the given
// metrics key, until stop is closed. Exported so internal/master can report
// live worker/outstanding-task counts without importing gometrics itself.
func RunGaugeLoop(stop <-chan struct{}, interval time.Duration, key []string, fn func() float32) {
	go poll(stop, interval, func() {
		gometrics.SetGauge(key, fn())
	})
}
