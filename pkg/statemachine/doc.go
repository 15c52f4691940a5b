// Package statemachine provides an immutable, generic transition table.
//
// A Table holds no current state: callers persist state themselves and ask
// the table whether an event may move a given state forward. This suits rows
// stored in a database where the "current state" lives in a column and
// several processes may evaluate transitions concurrently.
//
//	t := statemachine.New(
//	    statemachine.WithTransition(Trial, Pay, Active),
//	    statemachine.WithTransition(Active, Cancel, Cancelled),
//	)
//	next, err := t.Next(Trial, Pay)
package statemachine
