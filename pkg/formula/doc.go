// Package formula evaluates spreadsheet-style formulas against the reactive
// store and keeps their outputs current as dependencies change.
//
// Two engine flavors share one core. Engine takes expressions with
// explicitly marked dependencies ("$price * (1 + $taxRate)"): only sigiled
// names are tracked, and the sigil is stripped before evaluation.
// EnhancedEngine takes plain expressions ("price * (1 + taxRate)") and
// discovers dependencies with a lightweight static scan: strings and
// comments are blanked, identifier tokens outside property position are
// collected, and language keywords plus standard globals are excluded.
//
// Expressions compile once into a function whose parameters are the
// discovered names; each evaluation calls it with current store values, so
// nothing leaks into the script global scope and a missing reference is an
// ordinary undefined value rather than an error. Evaluations run on the
// notebook's scripting thread. A formula re-evaluates when any defined name
// it actually read changes; defective expressions record their failure as
// the formula's error state and leave the output at its last good value.
package formula
