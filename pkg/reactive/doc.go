// Package reactive implements the value store at the heart of a notebook
// runtime: a dynamic, name-keyed collection of reactive slots that holds the
// latest value for every notebook variable and fans out change notifications
// to whatever subscribed.
//
// The three pieces:
//
//   - Value: one named slot. It carries the current value, a monotonically
//     increasing version, and an ordered subscriber list. Writes go through
//     equality suppression: a write that does not change the value (by the
//     rules below) bumps nothing and notifies nobody.
//
//   - Store: the name → Value table. Define registers a name with an initial
//     value and is a no-op when the name already exists, so re-running a
//     definition never clobbers user state. Set is a tolerant write: writing
//     an unknown name defines it on the fly, which is how formulas and cell
//     exports create variables no input ever declared. Reads of unknown
//     names yield nil rather than an error.
//
//   - Tracker: an explicit read-set passed into GetValueTracked by whatever
//     is currently evaluating (a formula, a script cell). Every tracked read
//     of a defined name lands in the Tracker; the caller turns the collected
//     set into fresh subscriptions after the evaluation finishes. Trackers
//     are plain values handed down the call chain, not goroutine-ambient
//     state, so concurrent evaluations cannot observe each other's reads.
//
// Equality follows script-language identity semantics: numbers, strings and
// booleans compare structurally (numbers across Go numeric types), while
// maps, slices and functions compare by reference. Replacing a map with a
// structurally equal but distinct map is a change; re-setting the same map
// instance is not.
//
// Notification fan-out is synchronous and runs in subscription order, with
// the subscriber list copied before invocation so callbacks may subscribe,
// unsubscribe or write back into the store without deadlocking.
package reactive
