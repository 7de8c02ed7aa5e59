// Package codecell runs notebook script cells on the shared scripting
// thread, wiring their reads and writes through the reactive store.
//
// A cell body executes inside a synthetic scope: bare identifiers that name
// reactive values read them (and register the cell as a dependent) or write
// them, assignments to the exports object publish new reactive values, and
// console plus the output helpers capture what the run produced. Cells whose
// dependencies change re-run automatically unless marked static.
//
// Each run walks Idle or the previous terminal state through Running to
// Succeeded or Failed, mirrored into reactive values under the cell's
// "__cell." prefix so other cells and transports can observe execution
// without polling the engine.
package codecell
