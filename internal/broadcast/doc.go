// Package broadcast is the scheduling core: it ticks hourly, decides whether
// the current (weekday, hour) slot should fire, and dispatches the weekday's
// content to every selected recipient with fixed pacing.
//
// A slot fires at most once per calendar day; the dedup ledger is cleared by
// a midnight tick. Evaluation is single-flight: the cron tick and the manual
// trigger share one mutex.
package broadcast
