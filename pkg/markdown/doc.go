// Package markdown renders notebook markdown cells whose text interpolates
// reactive values with {{name}}, {{name | filter}} and {{name | filter:arg}}
// placeholders.
//
// Rendering is live: a registered cell re-renders whenever a referenced name
// changes, and the current text is always readable as the reactive value
// "__cell.<id>.rendered". Conversion of the rendered markdown to HTML is a
// presentation concern left to the caller.
package markdown
