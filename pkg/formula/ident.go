package formula

import "regexp"

// The scanners below implement the lightweight static analysis both engines
// and the script-cell scope builder share: find the identifiers a piece of
// source code might read, without parsing it. Strings and comments are
// blanked first, identifiers in property position are dropped, and language
// keywords plus standard globals are excluded. Regular expression literals
// are not recognized; their bodies scan as code, which at worst yields a few
// extra candidates.

var identRe = regexp.MustCompile(`[A-Za-z_$][A-Za-z0-9_$]*`)

// sigilRe matches a $-marked reference: the sigil followed by an identifier
// that does not itself start with $.
var sigilRe = regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_$]*`)

// ScanIdentifiers returns the candidate variable references in src,
// deduplicated in first-occurrence order.
func ScanIdentifiers(src string) []string {
	masked := maskNonCode(src)

	seen := make(map[string]struct{})
	var out []string
	for _, loc := range identRe.FindAllStringIndex(masked, -1) {
		start, end := loc[0], loc[1]
		if gluedToPrevToken(masked, start) || propertyPosition(masked, start) {
			continue
		}
		name := src[start:end]
		if _, excluded := excludedIdents[name]; excluded {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// ExtractSigilRefs returns the $-marked names in expr, deduplicated in
// first-occurrence order. Sigils inside strings and comments are ignored.
func ExtractSigilRefs(expr string) []string {
	masked := maskNonCode(expr)

	seen := make(map[string]struct{})
	var out []string
	for _, loc := range sigilRe.FindAllStringIndex(masked, -1) {
		start, end := loc[0], loc[1]
		if gluedToPrevToken(masked, start) {
			// $ embedded in a longer identifier, as in foo$bar.
			continue
		}
		name := expr[start+1 : end]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// stripSigils rewrites $name references to bare identifiers. Positions are
// decided against the masked source, so string literal contents keep their
// dollar signs.
func stripSigils(expr string) string {
	masked := maskNonCode(expr)

	drop := make(map[int]bool)
	for _, loc := range sigilRe.FindAllStringIndex(masked, -1) {
		if gluedToPrevToken(masked, loc[0]) {
			continue
		}
		drop[loc[0]] = true
	}
	if len(drop) == 0 {
		return expr
	}

	out := make([]byte, 0, len(expr))
	for i := 0; i < len(expr); i++ {
		if drop[i] {
			continue
		}
		out = append(out, expr[i])
	}
	return string(out)
}

// ValidIdentifier reports whether name can appear as a bare identifier
// reference in script source. Keywords are rejected along with anything
// lexically malformed, such as names containing dots.
func ValidIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == '$':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return !jsKeywords[name]
}

// gluedToPrevToken reports whether the token starting at pos is actually the
// tail of a longer token, such as the e5 in 1e5 or the $bar in foo$bar.
func gluedToPrevToken(masked string, pos int) bool {
	if pos == 0 {
		return false
	}
	c := masked[pos-1]
	return c == '$' || c == '_' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// propertyPosition reports whether the identifier at pos is a property
// access (preceded by a single dot, possibly with whitespace). A triple dot
// is spread syntax and the identifier is a real reference.
func propertyPosition(masked string, pos int) bool {
	i := pos - 1
	for i >= 0 && (masked[i] == ' ' || masked[i] == '\t' || masked[i] == '\n' || masked[i] == '\r') {
		i--
	}
	if i < 0 || masked[i] != '.' {
		return false
	}
	dots := 0
	for i >= 0 && masked[i] == '.' {
		dots++
		i--
	}
	return dots != 3
}

// maskNonCode blanks string literals, template literals and comments with
// spaces, preserving length and newlines so positions in the masked source
// line up with the original. Template interpolations (${ ... }) remain code
// and are scanned, including nested templates.
func maskNonCode(src string) string {
	out := []byte(src)

	type frame struct {
		state   byte // 'c' code, '\'' single, '"' double, '`' template, 'l' line comment, 'b' block comment
		fromTpl bool // code frame opened by ${ inside a template
		depth   int  // unmatched { inside this code frame
	}
	stack := []frame{{state: 'c'}}

	blank := func(i int) {
		if src[i] != '\n' && src[i] != '\r' {
			out[i] = ' '
		}
	}

	for i := 0; i < len(src); i++ {
		f := &stack[len(stack)-1]
		ch := src[i]

		switch f.state {
		case 'c':
			switch {
			case ch == '\'' || ch == '"':
				stack = append(stack, frame{state: ch})
				blank(i)
			case ch == '`':
				stack = append(stack, frame{state: '`'})
				blank(i)
			case ch == '/' && i+1 < len(src) && src[i+1] == '/':
				stack = append(stack, frame{state: 'l'})
				blank(i)
			case ch == '/' && i+1 < len(src) && src[i+1] == '*':
				stack = append(stack, frame{state: 'b'})
				blank(i)
			case ch == '{':
				f.depth++
			case ch == '}':
				if f.depth > 0 {
					f.depth--
				} else if f.fromTpl {
					// End of a template interpolation; resume the literal.
					blank(i)
					stack = stack[:len(stack)-1]
				}
			}

		case '\'', '"':
			switch {
			case ch == '\\' && i+1 < len(src):
				blank(i)
				i++
				blank(i)
			case ch == f.state:
				blank(i)
				stack = stack[:len(stack)-1]
			default:
				blank(i)
			}

		case '`':
			switch {
			case ch == '\\' && i+1 < len(src):
				blank(i)
				i++
				blank(i)
			case ch == '`':
				blank(i)
				stack = stack[:len(stack)-1]
			case ch == '$' && i+1 < len(src) && src[i+1] == '{':
				blank(i)
				i++
				blank(i)
				stack = append(stack, frame{state: 'c', fromTpl: true})
			default:
				blank(i)
			}

		case 'l':
			if ch == '\n' {
				stack = stack[:len(stack)-1]
			} else {
				blank(i)
			}

		case 'b':
			if ch == '*' && i+1 < len(src) && src[i+1] == '/' {
				blank(i)
				i++
				blank(i)
				stack = stack[:len(stack)-1]
			} else {
				blank(i)
			}
		}
	}
	return string(out)
}
