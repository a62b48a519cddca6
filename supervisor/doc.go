// Package supervisor runs the background maintenance loops for the job
// subsystem: sweeping expired worker leases, purging old terminal job
// records, and maintaining a rolling health snapshot.
//
// The loops run on cron schedules derived from the configured
// intervals. An expired lease re-queues the job exactly once; a second
// expiry fails it with a supervisor-timeout error so a crashing worker
// cannot keep a job in limbo forever.
package supervisor
