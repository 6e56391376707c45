package templatefmt

import (
	"strings"
	"testing"
	"time"
)

func TestFormatIdleScales(t *testing.T) {
	t.Parallel()

	cases := []struct {
		value any
		want  string
	}{
		{int64(30), "30s"},
		{int64(90), "1.5m"},
		{int64(7200), "2.0h"},
		{int64(259200), "3.0d"},
		{86400 * time.Second, "1.0d"},
		{float64(3600), "1.0h"},
	}
	for _, tc := range cases {
		if got := FormatIdle(tc.value); got != tc.want {
			t.Fatalf("FormatIdle(%v): expected %q, got %q", tc.value, tc.want, got)
		}
	}
}

func TestFormatDays(t *testing.T) {
	t.Parallel()

	if got := FormatDays(int64(259200)); got != "3" {
		t.Fatalf("expected 3 days, got %q", got)
	}
	if got := FormatDays(int64(0)); got != "0" {
		t.Fatalf("expected 0 days, got %q", got)
	}
}

func TestParseNotificationTemplateRejectsMissingKeys(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseNotificationTemplate("test", "idle {{fmtIdle .IdleSeconds}} for {{.Database}}")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	var rendered strings.Builder
	data := map[string]any{"IdleSeconds": int64(90000), "Database": "pagila"}
	if err := tmpl.Execute(&rendered, data); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if rendered.String() != "idle 1.0d for pagila" {
		t.Fatalf("unexpected render %q", rendered.String())
	}

	rendered.Reset()
	if err := tmpl.Execute(&rendered, map[string]any{"IdleSeconds": int64(1)}); err == nil {
		t.Fatalf("expected missing key error")
	}
}
