// Package metrics keeps the kernel's counters in a process-local
// Prometheus registry. There is no HTTP listener: GET_STATUS gathers a
// snapshot and ships it inside the response.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ordo-sh/ordo/internal/log"
)

// Metrics bundles every kernel collector.
type Metrics struct {
	registry *prometheus.Registry

	TasksProcessed     *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	WorkerRestarts     *prometheus.CounterVec
	WorkflowExecutions *prometheus.CounterVec
	GuardrailDecisions *prometheus.CounterVec
	RequestsServed     *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordo_tasks_processed_total",
			Help: "Scheduler tasks finished, by terminal status.",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ordo_queue_depth",
			Help: "Requests waiting in the scheduler queue.",
		}),
		WorkerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordo_worker_restarts_total",
			Help: "Worker subprocess restarts, by worker name.",
		}, []string{"worker"}),
		WorkflowExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordo_workflow_executions_total",
			Help: "Workflow executions reaching a terminal status.",
		}, []string{"status"}),
		GuardrailDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordo_guardrail_decisions_total",
			Help: "Guardrail outcomes, by decision.",
		}, []string{"decision"}),
		RequestsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordo_requests_served_total",
			Help: "Front-end requests answered, by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.TasksProcessed,
		m.QueueDepth,
		m.WorkerRestarts,
		m.WorkflowExecutions,
		m.GuardrailDecisions,
		m.RequestsServed,
	)
	return m
}

// Snapshot gathers every collector into a flat name -> value map for the
// status surface. Label sets collapse into name{label="value"} keys.
func (m *Metrics) Snapshot() map[string]float64 {
	out := make(map[string]float64)

	families, err := m.registry.Gather()
	if err != nil {
		log.ErrorErr(log.CatKernel, "metrics gather failed", err)
		return out
	}

	for _, family := range families {
		for _, metric := range family.GetMetric() {
			key := family.GetName()
			for _, label := range metric.GetLabel() {
				key += fmt.Sprintf("{%s=%q}", label.GetName(), label.GetValue())
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return out
}
