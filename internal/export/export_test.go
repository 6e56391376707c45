package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"decomwatch/internal/domain"
)

func TestWriteSnapshotRendersGauges(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	states := []domain.AlertState{
		{EntityID: "pagila", Status: domain.StatusWarning, Since: now, IdleSeconds: 180000},
		{EntityID: "titanic", Status: domain.StatusOK, Since: now, IdleSeconds: 3600},
	}

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, states); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, `decomwatch_idle_seconds{database="pagila"} 180000`) {
		t.Fatalf("missing idle gauge for pagila:\n%s", out)
	}
	if !strings.Contains(out, `decomwatch_status{database="pagila",status="WARNING"} 1`) {
		t.Fatalf("missing active status series:\n%s", out)
	}
	if !strings.Contains(out, `decomwatch_status{database="pagila",status="OK"} 0`) {
		t.Fatalf("missing inactive status series:\n%s", out)
	}
	if !strings.Contains(out, `decomwatch_status{database="titanic",status="OK"} 1`) {
		t.Fatalf("missing titanic OK series:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE decomwatch_idle_seconds gauge") {
		t.Fatalf("missing type header:\n%s", out)
	}
}

func TestWriteSnapshotEmptyFleet(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, nil); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected empty exposition, got %q", buf.String())
	}
}
