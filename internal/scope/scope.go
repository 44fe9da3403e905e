// Package scope computes the minimal permission set an integration mode
// needs. The result is a pure function of the mode and the concrete
// identifiers; nothing here looks at runtime state.
package scope

import (
	"docpipe/internal/apperrors"
	"docpipe/internal/workflow"
)

// Action names one operation a deployment must be allowed to perform.
type Action string

const (
	ActionStartJob       Action = "jobs:Start"
	ActionDescribeJob    Action = "jobs:Describe"
	ActionStopJob        Action = "jobs:Stop"
	ActionManagePollRule Action = "events:ManagePollRule"
)

// Target carries the identifiers grants are scoped to. WorkflowID is only
// consulted for the subworkflow mode, which polls nested executions.
type Target struct {
	JobType    string `json:"jobType"`
	WorkflowID string `json:"workflowId,omitempty"`
}

// Grant pairs actions with the single resource they apply to.
type Grant struct {
	Actions  []Action `json:"actions"`
	Resource string   `json:"resource"`
}

// PermissionSet is everything one mode needs and nothing more.
type PermissionSet struct {
	Mode   workflow.Mode `json:"mode"`
	Grants []Grant       `json:"grants"`
}

// ForMode returns the permission set for mode. Every mode may start the
// target job type. Subworkflow deployments additionally describe and stop
// nested executions of the named workflow and manage that workflow's
// completion poll rule; both grants stay scoped to the workflow identifier.
func ForMode(mode workflow.Mode, target Target) (PermissionSet, error) {
	if _, err := workflow.ParseMode(string(mode)); err != nil {
		return PermissionSet{}, err
	}
	if target.JobType == "" {
		return PermissionSet{}, apperrors.Validation("jobType", "job type is required")
	}

	ps := PermissionSet{
		Mode: mode,
		Grants: []Grant{{
			Actions:  []Action{ActionStartJob},
			Resource: "jobtype/" + target.JobType,
		}},
	}
	if mode != workflow.ModeSubworkflow {
		return ps, nil
	}

	if target.WorkflowID == "" {
		return PermissionSet{}, apperrors.Validation("workflowId",
			"subworkflow grants are scoped to a workflow identifier")
	}
	ps.Grants = append(ps.Grants,
		Grant{
			Actions:  []Action{ActionDescribeJob, ActionStopJob},
			Resource: "workflow/" + target.WorkflowID + "/executions/*",
		},
		Grant{
			Actions:  []Action{ActionManagePollRule},
			Resource: "rule/" + target.WorkflowID + "-completion-poll",
		},
	)
	return ps, nil
}
