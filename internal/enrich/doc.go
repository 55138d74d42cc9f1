// Package enrich defines the work items, source results, error taxonomy and
// collaborator interfaces shared by the enrichment pipeline, the batch
// scheduler and the session watchdog.
package enrich
