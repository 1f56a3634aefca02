package digest

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ppiankov/sensorpress/internal/pipeline"
)

func TestJSONFormat_Full(t *testing.T) {
	var buf bytes.Buffer
	if err := NewJSON().Format(&buf, sampleReport()); err != nil {
		t.Fatalf("format: %v", err)
	}

	var result jsonReport
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v\noutput: %s", err, buf.String())
	}

	if len(result.Sources) != 3 {
		t.Fatalf("sources = %d, want 3", len(result.Sources))
	}
	if result.Sources[1].Outcome != "rate limited" {
		t.Errorf("outcome = %q", result.Sources[1].Outcome)
	}
	if result.Sources[2].Error != "reddit: 503" {
		t.Errorf("error = %q", result.Sources[2].Error)
	}
	if len(result.Plan) != 2 || result.Plan[0].K != "41" || result.Plan[0].Origin == "" {
		t.Errorf("plan = %+v", result.Plan)
	}
	if result.Published.Created != 1 || result.Published.ImagesFailed != 1 {
		t.Errorf("published = %+v", result.Published)
	}
	if len(result.Failures) != 1 || result.Failures[0].Error != "store: 422" {
		t.Errorf("failures = %+v", result.Failures)
	}
}

func TestJSONFormat_EmptyArrays(t *testing.T) {
	var buf bytes.Buffer
	if err := NewJSON().Format(&buf, &pipeline.Report{DryRun: true}); err != nil {
		t.Fatalf("format: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if plan, ok := raw["plan"].([]any); !ok || len(plan) != 0 {
		t.Errorf("plan = %v, want empty array", raw["plan"])
	}
	if raw["dry_run"] != true {
		t.Errorf("dry_run = %v", raw["dry_run"])
	}
	if _, ok := raw["failures"]; ok {
		t.Error("failures should be omitted")
	}
}
