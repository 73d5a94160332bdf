// Package scheduler runs deferred, time-gated jobs on the tick-driving goroutine.
//
// Jobs are queued from any goroutine and executed by Tick, at most one per call:
//   - Queue / QueueAfter register a one-shot job with a due time
//   - Tick advances a round-robin cursor and runs the first due job it finds
//   - Cron turns cron specs into recurring Queue calls
package scheduler
