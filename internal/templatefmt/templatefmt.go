package templatefmt

import (
	"encoding/json"
	"fmt"
	"text/template"
	"time"
)

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtIdle": FormatIdle,
		"fmtDays": FormatDays,
		"json":    MarshalJSON,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FormatIdle renders an idle duration given in seconds in compact human form.
// Params: template value expected as int64 seconds.
// Returns: formatted duration string scaled to days/hours/minutes.
func FormatIdle(value any) string {
	seconds := toSeconds(value)
	if seconds < 0 {
		seconds = -seconds
	}
	switch {
	case seconds >= 86400:
		return fmt.Sprintf("%.1fd", float64(seconds)/86400)
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", float64(seconds)/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", float64(seconds)/60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// FormatDays renders an idle duration given in seconds as whole days.
// Params: template value expected as int64 seconds.
// Returns: day count string used by issue templates.
func FormatDays(value any) string {
	seconds := toSeconds(value)
	return fmt.Sprintf("%.0f", float64(seconds)/86400)
}

// toSeconds converts supported template value types into seconds.
// Params: int64/int/float64/time.Duration value.
// Returns: seconds count, zero for unsupported types.
func toSeconds(value any) int64 {
	switch typed := value.(type) {
	case int64:
		return typed
	case int:
		return int64(typed)
	case float64:
		return int64(typed)
	case time.Duration:
		return int64(typed.Seconds())
	default:
		return 0
	}
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
