// Package inputs manages notebook input cells: reactive values owned by UI
// controls, guarded by constraint expressions validated on every write.
//
// Definitions are idempotent, so re-opening a notebook never clobbers a
// live value. High-frequency sources wrap their writes in a Committer,
// which throttles intermediate values but always commits the final one.
package inputs
