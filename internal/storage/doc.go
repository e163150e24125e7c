// Package storage persists the broadcast scheduler's durable state:
//
//   - Ledger: the set of (weekday, hour) slot keys already fired today.
//     Survives restarts so a mid-day crash cannot re-fire a completed slot;
//     cleared in full at the midnight reset.
//   - History: the append-only record of every delivery attempt.
package storage
