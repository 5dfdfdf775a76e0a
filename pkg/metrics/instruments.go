package metrics

import "github.com/prometheus/client_golang/prometheus"

const metricSubsystem = "pod_graceful_drain"

const (
	// MetricAdmissionDecisions tracks admission outcomes by webhook and
	// decision (reentry/dry-run/error/deny/patch/allow).
	MetricAdmissionDecisions = "admission_decisions_total"
	// MetricReconcileRequeues tracks reconciler requeue reasons.
	MetricReconcileRequeues = "reconcile_requeues_total"
	// MetricPatchRetries is the counter for Resource Patcher
	// refresh-and-retry cycles; the patcher itself does not increment it.
	MetricPatchRetries = "patch_retries_total"
	// MetricPDBDecrements tracks PDB decrement outcomes.
	MetricPDBDecrements = "pdb_decrements_total"
)

const (
	labelWebhook  = "webhook"
	labelDecision = "decision"

	labelController = "controller"
	labelReason     = "reason"

	labelResource = "resource"

	labelOutcome = "outcome"
)

type instruments struct {
	admissionDecisions *prometheus.CounterVec
	reconcileRequeues  *prometheus.CounterVec
	patchRetries       *prometheus.CounterVec
	pdbDecrements      *prometheus.CounterVec
}

func newInstruments(registerer prometheus.Registerer) *instruments {
	admissionDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricSubsystem,
		Name:      MetricAdmissionDecisions,
		Help:      "Counts admission webhook decisions by webhook name and decision kind.",
	}, []string{labelWebhook, labelDecision})

	reconcileRequeues := prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricSubsystem,
		Name:      MetricReconcileRequeues,
		Help:      "Counts reconciler requeues by controller and reason.",
	}, []string{labelController, labelReason})

	patchRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricSubsystem,
		Name:      MetricPatchRetries,
		Help:      "Counts Resource Patcher refresh-and-retry cycles by resource kind.",
	}, []string{labelResource})

	pdbDecrements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricSubsystem,
		Name:      MetricPDBDecrements,
		Help:      "Counts PDB decrement attempts by outcome.",
	}, []string{labelOutcome})

	registerer.MustRegister(admissionDecisions, reconcileRequeues, patchRetries, pdbDecrements)
	return &instruments{
		admissionDecisions: admissionDecisions,
		reconcileRequeues:  reconcileRequeues,
		patchRetries:       patchRetries,
		pdbDecrements:      pdbDecrements,
	}
}
