// Package loop implements the per-group delivery engine: one goroutine
// per active group re-copies the configured source message on a fixed
// cadence, rotating through the message list and deleting the previous
// copy after each successful send.
//
// Scheduling is phase preserving. A group's next_due timestamp survives
// restarts; missed cycles are skipped, never burst-replayed, and the
// cadence stays aligned to the original phase.
//
// Failures are classified by the transport layer. Transient failures
// consume the retry budget and wait for the next cycle; fatal failures
// (kicked, chat deleted) remove the group immediately; supergroup
// migrations rekey the group and keep the loop running.
package loop
