package scope

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"docpipe/internal/apperrors"
	"docpipe/internal/workflow"
)

func TestForModeStartOnlyModes(t *testing.T) {
	t.Parallel()
	target := Target{JobType: "document-analysis"}

	for _, mode := range []workflow.Mode{workflow.ModeCallback, workflow.ModeFireAndForget} {
		ps, err := ForMode(mode, target)
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		if len(ps.Grants) != 1 {
			t.Fatalf("%s: grants = %+v, want exactly one", mode, ps.Grants)
		}
		g := ps.Grants[0]
		if !reflect.DeepEqual(g.Actions, []Action{ActionStartJob}) {
			t.Fatalf("%s: actions = %v", mode, g.Actions)
		}
		if g.Resource != "jobtype/document-analysis" {
			t.Fatalf("%s: resource = %q", mode, g.Resource)
		}
	}

	// The two non-polling modes need identical permissions.
	cb, _ := ForMode(workflow.ModeCallback, target)
	ff, _ := ForMode(workflow.ModeFireAndForget, target)
	if !reflect.DeepEqual(cb.Grants, ff.Grants) {
		t.Fatalf("callback %+v != fire-and-forget %+v", cb.Grants, ff.Grants)
	}
}

func TestForModeSubworkflow(t *testing.T) {
	t.Parallel()
	ps, err := ForMode(workflow.ModeSubworkflow, Target{
		JobType:    "document-analysis",
		WorkflowID: "claims-intake",
	})
	if err != nil {
		t.Fatalf("ForMode: %v", err)
	}
	if len(ps.Grants) != 3 {
		t.Fatalf("grants = %+v, want 3", ps.Grants)
	}

	byResource := map[string][]Action{}
	for _, g := range ps.Grants {
		byResource[g.Resource] = g.Actions
	}
	if !reflect.DeepEqual(byResource["jobtype/document-analysis"], []Action{ActionStartJob}) {
		t.Fatalf("start grant = %+v", byResource)
	}
	if !reflect.DeepEqual(byResource["workflow/claims-intake/executions/*"], []Action{ActionDescribeJob, ActionStopJob}) {
		t.Fatalf("nested execution grant = %+v", byResource)
	}
	if !reflect.DeepEqual(byResource["rule/claims-intake-completion-poll"], []Action{ActionManagePollRule}) {
		t.Fatalf("poll rule grant = %+v", byResource)
	}

	// Grants stay pinned to the given workflow, never broad.
	for resource := range byResource {
		if resource == "*" || strings.HasPrefix(resource, "*") {
			t.Fatalf("broad grant %q", resource)
		}
		if strings.Contains(resource, "claims-intake") || strings.Contains(resource, "document-analysis") {
			continue
		}
		t.Fatalf("grant %q not scoped to a given identifier", resource)
	}
}

func TestForModeValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mode   workflow.Mode
		target Target
	}{
		{"unknown mode", "drive-by", Target{JobType: "document-analysis"}},
		{"missing job type", workflow.ModeCallback, Target{}},
		{"subworkflow without workflow id", workflow.ModeSubworkflow, Target{JobType: "document-analysis"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ForMode(tc.mode, tc.target); !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("got %v, want validation error", err)
			}
		})
	}
}
