package markdown

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// renderValue applies the named filter to the value and returns the final
// text. Unknown filters and unusable arguments fall back to the plain
// formatted value; a nil or missing value renders empty.
func renderValue(v any, filter, arg string) string {
	switch filter {
	case "":
		return formatValue(v)
	case "upper":
		return strings.ToUpper(formatValue(v))
	case "lower":
		return strings.ToLower(formatValue(v))
	case "title":
		return cases.Title(language.Und).String(formatValue(v))
	case "trim":
		return strings.TrimSpace(formatValue(v))
	case "round":
		f, ok := toFloat(v)
		if !ok {
			return formatValue(v)
		}
		return strconv.FormatFloat(math.Round(f), 'f', -1, 64)
	case "fixed":
		f, ok := toFloat(v)
		if !ok {
			return formatValue(v)
		}
		return strconv.FormatFloat(f, 'f', filterDigits(arg, 2), 64)
	case "percent":
		f, ok := toFloat(v)
		if !ok {
			return formatValue(v)
		}
		return strconv.FormatFloat(f*100, 'f', filterDigits(arg, 0), 64) + "%"
	case "json":
		if v == nil {
			return ""
		}
		s, err := sonic.MarshalString(v)
		if err != nil {
			return ""
		}
		return s
	case "date":
		t, ok := toTime(v)
		if !ok {
			return ""
		}
		layout := arg
		if layout == "" {
			layout = time.RFC3339
		}
		return t.Format(layout)
	default:
		return formatValue(v)
	}
}

// formatValue is the unfiltered rendering of a store value.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

func filterDigits(arg string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
