package markdown

import (
	"regexp"
	"sort"
	"strings"
)

// interpRe matches one interpolation: {{name}}, {{name | filter}} or
// {{name | filter:arg}}. Names may be dotted so cell publications like
// __cell.calc.state are addressable. The arg runs to the closing braces,
// which lets date layouts keep their own colons.
var interpRe = regexp.MustCompile(`\{\{\s*([A-Za-z_$][A-Za-z0-9_$]*(?:\.[A-Za-z0-9_$]+)*)\s*(?:\|\s*([A-Za-z]+)\s*(?::([^{}|]*))?)?\}\}`)

// segment is one compiled piece of a template: either literal text or a
// reference with an optional filter.
type segment struct {
	literal string
	ref     bool
	name    string
	filter  string
	arg     string
}

// parseTemplate compiles the text into segments and returns the distinct
// referenced names in lexical order. Text that looks like an interpolation
// but does not parse as one stays literal.
func parseTemplate(text string) ([]segment, []string) {
	matches := interpRe.FindAllStringSubmatchIndex(text, -1)

	segs := make([]segment, 0, len(matches)*2+1)
	refSet := make(map[string]struct{}, len(matches))
	last := 0
	for _, m := range matches {
		if m[0] > last {
			segs = append(segs, segment{literal: text[last:m[0]]})
		}
		seg := segment{ref: true, name: text[m[2]:m[3]]}
		if m[4] >= 0 {
			seg.filter = text[m[4]:m[5]]
		}
		if m[6] >= 0 {
			seg.arg = text[m[6]:m[7]]
		}
		segs = append(segs, seg)
		refSet[seg.name] = struct{}{}
		last = m[1]
	}
	if last < len(text) {
		segs = append(segs, segment{literal: text[last:]})
	}

	refs := make([]string, 0, len(refSet))
	for name := range refSet {
		refs = append(refs, name)
	}
	sort.Strings(refs)
	return segs, refs
}

// renderSegments resolves each reference through lookup and assembles the
// final text. Undefined references render empty.
func renderSegments(segs []segment, lookup func(name string) any) string {
	var b strings.Builder
	for _, seg := range segs {
		if !seg.ref {
			b.WriteString(seg.literal)
			continue
		}
		b.WriteString(renderValue(lookup(seg.name), seg.filter, seg.arg))
	}
	return b.String()
}
