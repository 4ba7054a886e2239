package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleet/api/events"
	"fleet/api/model"
)

// Collector holds every fleet metric on its own registry. It implements
// channel.Metrics and events.Notifier.
type Collector struct {
	reg *prometheus.Registry

	sessions      prometheus.Gauge
	framesIn      *prometheus.CounterVec
	framesOut     *prometheus.CounterVec
	delivered     prometheus.Counter
	offline       *prometheus.CounterVec
	taskStatus    *prometheus.CounterVec
	appCPU        *prometheus.GaugeVec
	appMemory     *prometheus.GaugeVec
	appContainers *prometheus.GaugeVec
	appRestarts   *prometheus.GaugeVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	appLabels := []string{"node", "app"}
	return &Collector{
		reg: reg,
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_channel_sessions",
			Help: "Open control channel sessions.",
		}),
		framesIn: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_channel_frames_received_total",
			Help: "Frames received from workers by type.",
		}, []string{"type"}),
		framesOut: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_channel_frames_sent_total",
			Help: "Frames written to workers by type.",
		}, []string{"type"}),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Name: "fleet_tasks_delivered_total",
			Help: "Tasks pushed over the control channel.",
		}),
		offline: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_node_offline_total",
			Help: "Forced offline transitions by reason.",
		}, []string{"reason"}),
		taskStatus: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_task_transitions_total",
			Help: "Task status transitions by target status.",
		}, []string{"status"}),
		appCPU: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_app_cpu_millicores",
			Help: "CPU reported for an application by the node running it.",
		}, appLabels),
		appMemory: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_app_memory_mb",
			Help: "Memory reported for an application by the node running it.",
		}, appLabels),
		appContainers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_app_containers",
			Help: "Containers reported for an application.",
		}, appLabels),
		appRestarts: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_app_restarts",
			Help: "Container restarts reported for an application.",
		}, appLabels),
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) SessionOpened()         { c.sessions.Inc() }
func (c *Collector) SessionClosed()         { c.sessions.Dec() }
func (c *Collector) FrameReceived(t string) { c.framesIn.WithLabelValues(t).Inc() }
func (c *Collector) FrameSent(t string)     { c.framesOut.WithLabelValues(t).Inc() }
func (c *Collector) TaskDelivered()         { c.delivered.Inc() }

func (c *Collector) ApplicationMetrics(nodeID string, ms []model.AppMetric) {
	for _, m := range ms {
		c.appCPU.WithLabelValues(nodeID, m.AppID).Set(float64(m.CPUMillicores))
		c.appMemory.WithLabelValues(nodeID, m.AppID).Set(float64(m.MemoryMB))
		c.appContainers.WithLabelValues(nodeID, m.AppID).Set(float64(m.Containers))
		c.appRestarts.WithLabelValues(nodeID, m.AppID).Set(float64(m.Restarts))
	}
}

func (c *Collector) Notify(_ context.Context, evt events.Event) {
	switch evt.Type {
	case events.NodeOffline:
		c.offline.WithLabelValues(evt.Reason).Inc()
	case events.TaskStatus:
		c.taskStatus.WithLabelValues(evt.Status).Inc()
	}
}
