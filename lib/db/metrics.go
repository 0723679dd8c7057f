package db

import "github.com/VictoriaMetrics/metrics"

var (
	commitsTotal       = metrics.NewCounter("dobj_commits_total")
	abortsTotal        = metrics.NewCounter("dobj_aborts_total")
	checkoutConflicts  = metrics.NewCounter("dobj_checkout_conflicts_total")
	namespaceConflicts = metrics.NewCounter("dobj_namespace_conflicts_total")
	rollbacksTotal     = metrics.NewCounter("dobj_checkpoint_rollbacks_total")
)
