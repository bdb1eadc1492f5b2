// Package schedule computes relay trigger times.
//
// A Daily schedule is a short list of fixed times of day in UTC. The first entry is the
// primary trigger and the second the secondary; the secondary is the fallback when no
// candidate lies ahead. Calendar effects (DST, leap seconds) are deliberately ignored.
package schedule
