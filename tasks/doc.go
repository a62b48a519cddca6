// Package tasks provides the built-in task definitions for media
// operations: single and batch retrieval through an external fetch
// tool, metadata enrichment from remote sources, and media analysis
// through a probe tool.
//
// Each constructor returns a typed [job.Definition] ready for
// registration:
//
//	reg := job.NewRegistry()
//	job.RegisterDefinition(reg, tasks.NewFetch(fetchCfg, logger))
//	job.RegisterDefinition(reg, tasks.NewBatchFetch(batchCfg, logger))
//	job.RegisterDefinition(reg, tasks.NewEnrich(enricher, logger))
//	job.RegisterDefinition(reg, tasks.NewAnalyze(analyzeCfg, logger))
//
// Handlers report progress through the job runtime and classify
// failures with the fault package so the executor can decide between
// retry and terminal failure.
package tasks
