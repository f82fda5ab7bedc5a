package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shaiso/Jobhost/internal/events"
)

// PrometheusSink публикует телеметрию оркестратора в Prometheus.
//
// Метрики:
//   - jobhost_running_jobs{worker, host} — jobs в работе
//   - jobhost_job_events_total{worker, type, status} — события жизненного цикла
//   - jobhost_dropped_events — события, отброшенные шиной для медленных подписчиков
type PrometheusSink struct {
	running *prometheus.GaugeVec
	events  *prometheus.CounterVec
	dropped prometheus.Gauge
}

// NewPrometheusSink регистрирует метрики в reg. nil — prometheus.DefaultRegisterer.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusSink{
		running: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobhost_running_jobs",
			Help: "Jobs in flight per worker and host",
		}, []string{"worker", "host"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobhost_job_events_total",
			Help: "Job lifecycle events",
		}, []string{"worker", "type", "status"}),
		dropped: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jobhost_dropped_events",
			Help: "Events dropped for slow subscribers since start",
		}),
	}
}

// PublishRunning заменяет значения воркера: hosts без jobs пропадают из серии.
func (s *PrometheusSink) PublishRunning(workerID string, byHost map[string]int) {
	s.running.DeletePartialMatch(prometheus.Labels{"worker": workerID})
	for host, n := range byHost {
		s.running.WithLabelValues(workerID, host).Set(float64(n))
	}
}

// ObserveEvent учитывает событие.
func (s *PrometheusSink) ObserveEvent(e events.Event) {
	status := ""
	if e.Type == events.Executed {
		status = string(e.Status)
	}
	s.events.WithLabelValues(e.WorkerID, string(e.Type), status).Inc()
}

// PublishDropped публикует накопленное число отброшенных событий.
func (s *PrometheusSink) PublishDropped(n int64) {
	s.dropped.Set(float64(n))
}
