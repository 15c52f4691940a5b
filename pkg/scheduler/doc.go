// Package scheduler runs named jobs on wall-clock schedules inside the
// service process.
//
// Each job runs in isolation: an error or panic is logged and reported to the
// result hook, and never prevents other jobs (or the next run of the same job)
// from executing. An optional Locker makes sure only one replica runs a given
// job occurrence when the service is scaled horizontally.
package scheduler
