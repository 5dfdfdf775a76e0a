// Package metrics wires a small struct-of-counters Prometheus collector: a
// Collector interface backed by a real implementation when a registerer is
// supplied, and a no-op implementation otherwise so callers never need to
// nil-check.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector observes the admission/reconcile/patch/PDB events this system
// emits in the course of driving a pod through the drain state machine.
type Collector interface {
	ObserveAdmissionDecision(webhook, decision string)
	ObserveReconcileRequeue(controller, reason string)
	ObservePatchRetry(resource string)
	ObservePDBDecrement(outcome string)
}

type collector struct {
	instruments *instruments
}

type noOpCollector struct{}

func (noOpCollector) ObserveAdmissionDecision(string, string) {}
func (noOpCollector) ObserveReconcileRequeue(string, string)  {}
func (noOpCollector) ObservePatchRetry(string)                {}
func (noOpCollector) ObservePDBDecrement(string)              {}

// NewCollector constructs a Collector. A nil registerer yields a no-op
// implementation (used in tests and anywhere metrics are not wired up).
func NewCollector(registerer prometheus.Registerer) Collector {
	if registerer == nil {
		return noOpCollector{}
	}
	return &collector{instruments: newInstruments(registerer)}
}

func (c *collector) ObserveAdmissionDecision(webhook, decision string) {
	c.instruments.admissionDecisions.With(prometheus.Labels{
		labelWebhook:  webhook,
		labelDecision: decision,
	}).Inc()
}

func (c *collector) ObserveReconcileRequeue(controller, reason string) {
	c.instruments.reconcileRequeues.With(prometheus.Labels{
		labelController: controller,
		labelReason:     reason,
	}).Inc()
}

func (c *collector) ObservePatchRetry(resource string) {
	c.instruments.patchRetries.With(prometheus.Labels{
		labelResource: resource,
	}).Inc()
}

func (c *collector) ObservePDBDecrement(outcome string) {
	c.instruments.pdbDecrements.With(prometheus.Labels{
		labelOutcome: outcome,
	}).Inc()
}
