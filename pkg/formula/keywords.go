package formula

// jsKeywords holds reserved words plus literal keywords. These can never be
// variable references.
var jsKeywords = map[string]bool{
	"await": true, "break": true, "case": true, "catch": true, "class": true,
	"const": true, "continue": true, "debugger": true, "default": true,
	"delete": true, "do": true, "else": true, "enum": true, "export": true,
	"extends": true, "false": true, "finally": true, "for": true,
	"function": true, "if": true, "import": true, "in": true,
	"instanceof": true, "let": true, "new": true, "null": true, "of": true,
	"return": true, "static": true, "super": true, "switch": true,
	"this": true, "throw": true, "true": true, "try": true, "typeof": true,
	"var": true, "void": true, "while": true, "with": true, "yield": true,
	"async": true, "get": true, "set": true,
}

// standardGlobals holds the identifiers provided by the script environment
// itself. References to these are never notebook variables.
var standardGlobals = map[string]bool{
	"undefined": true, "NaN": true, "Infinity": true, "globalThis": true,
	"Object": true, "Function": true, "Boolean": true, "Symbol": true,
	"Error": true, "AggregateError": true, "EvalError": true,
	"RangeError": true, "ReferenceError": true, "SyntaxError": true,
	"TypeError": true, "URIError": true,
	"Number": true, "BigInt": true, "Math": true, "Date": true,
	"String": true, "RegExp": true, "Array": true,
	"Int8Array": true, "Uint8Array": true, "Uint8ClampedArray": true,
	"Int16Array": true, "Uint16Array": true, "Int32Array": true,
	"Uint32Array": true, "Float32Array": true, "Float64Array": true,
	"BigInt64Array": true, "BigUint64Array": true,
	"Map": true, "Set": true, "WeakMap": true, "WeakSet": true,
	"ArrayBuffer": true, "SharedArrayBuffer": true, "DataView": true,
	"Atomics": true, "JSON": true, "Promise": true, "Reflect": true,
	"Proxy": true, "Intl": true,
	"eval": true, "isFinite": true, "isNaN": true,
	"parseFloat": true, "parseInt": true,
	"decodeURI": true, "decodeURIComponent": true,
	"encodeURI": true, "encodeURIComponent": true,
	"escape": true, "unescape": true,
	"console": true, "arguments": true, "require": true,
	"setTimeout": true, "clearTimeout": true,
	"setInterval": true, "clearInterval": true,
	"setImmediate": true, "clearImmediate": true,
	"queueMicrotask": true, "structuredClone": true,
}

// excludedIdents is the union the scanners subtract from candidate sets.
var excludedIdents = func() map[string]bool {
	m := make(map[string]bool, len(jsKeywords)+len(standardGlobals))
	for k := range jsKeywords {
		m[k] = true
	}
	for k := range standardGlobals {
		m[k] = true
	}
	return m
}()
