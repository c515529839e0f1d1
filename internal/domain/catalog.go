package domain

// Action is a terraform verb that may be permitted per environment.
type Action string

// Known actions.
const (
	ActionInit     Action = "init"
	ActionPlan     Action = "plan"
	ActionApply    Action = "apply"
	ActionValidate Action = "validate"
	ActionOutput   Action = "output"
	ActionState    Action = "state"
)

// Actions lists every known action.
var Actions = []Action{ActionInit, ActionPlan, ActionApply, ActionValidate, ActionOutput, ActionState}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// EnvironmentConfig describes a deployment target and its policy.
type EnvironmentConfig struct {
	Name             string   `json:"name" yaml:"name" validate:"required"`
	Description      string   `json:"description,omitempty" yaml:"description,omitempty"`
	AllowedActions   []Action `json:"allowed_actions" yaml:"allowed_actions" validate:"required,dive,oneof=init plan apply validate output state"`
	RequiresApproval bool     `json:"requires_approval" yaml:"requires_approval"`
	AutoDeploy       bool     `json:"auto_deploy" yaml:"auto_deploy"`
}

// Allows reports whether the environment permits action.
func (e EnvironmentConfig) Allows(action Action) bool {
	return containsAction(e.AllowedActions, action)
}

// ProjectEnvironment holds the per-environment terraform settings of a project.
type ProjectEnvironment struct {
	Workspace      string   `json:"workspace" yaml:"workspace" validate:"required"`
	VarFile        string   `json:"var_file,omitempty" yaml:"var_file,omitempty"`
	WorkingDir     string   `json:"working_dir" yaml:"working_dir" validate:"required"`
	AllowedActions []Action `json:"allowed_actions" yaml:"allowed_actions" validate:"dive,oneof=init plan apply validate output state"`
}

// Allows reports whether the project may run action in this environment.
func (p ProjectEnvironment) Allows(action Action) bool {
	return containsAction(p.AllowedActions, action)
}

// Project is a deployable infrastructure unit.
type Project struct {
	Name         string                        `json:"name" yaml:"name" validate:"required"`
	Description  string                        `json:"description,omitempty" yaml:"description,omitempty"`
	Dependencies []string                      `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Environments map[string]ProjectEnvironment `json:"environments" yaml:"environments" validate:"required,dive"`
}

func containsAction(actions []Action, action Action) bool {
	for _, candidate := range actions {
		if candidate == action {
			return true
		}
	}
	return false
}
