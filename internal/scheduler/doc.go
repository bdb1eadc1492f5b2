// Package scheduler fires the relay job at the configured daily times.
//
// It wraps robfig/cron with a schedule.Daily as the only entry. Jobs never overlap: a fire
// that lands while the previous run is still going is skipped and logged.
package scheduler
