package exporter

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	hostname, _ = os.Hostname()
	registry    = prometheus.NewRegistry()
)

func GetCounter(namespace, metricName string, labelNames []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      metricName,
		ConstLabels: prometheus.Labels{
			"hostname": hostname,
		},
	}, labelNames)

	registry.MustRegister(counter)

	return counter
}

func GetGauge(namespace, metricName string, labelNames []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      metricName,
		ConstLabels: prometheus.Labels{
			"hostname": hostname,
		},
	}, labelNames)

	registry.MustRegister(gauge)

	return gauge
}

func GetHistogram(namespace, metricName string, labelNames []string) *prometheus.HistogramVec {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      metricName,
		ConstLabels: prometheus.Labels{
			"hostname": hostname,
		},
		// expressed in ms
		Buckets: []float64{5, 10, 25, 50, 100, 200, 300, 500, 750, 1000, 2000, 5000, 10000},
	}, labelNames)

	registry.MustRegister(histogram)

	return histogram
}

func GetMetricsExporter(port string) {
	server := http.NewServeMux()
	server.Handle("/metrics", promhttp.InstrumentMetricHandler(registry, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	_ = http.ListenAndServe(fmt.Sprintf(":%s", port), server)
}
