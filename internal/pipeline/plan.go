package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ActionKind is the kind of side effect a plan step performs.
type ActionKind string

const (
	ActionCreateFile         ActionKind = "create_file"
	ActionModifyFile         ActionKind = "modify_file"
	ActionDeleteFile         ActionKind = "delete_file"
	ActionReadFile           ActionKind = "read_file"
	ActionListFiles          ActionKind = "list_files"
	ActionRunTool            ActionKind = "run_tool"
	ActionGitBranch          ActionKind = "git_branch"
	ActionGitCommit          ActionKind = "git_commit"
	ActionGitPush            ActionKind = "git_push"
	ActionArchitectureChange ActionKind = "architecture_change"
	ActionDependencyChange   ActionKind = "dependency_change"
)

var actionKinds = []ActionKind{
	ActionCreateFile, ActionModifyFile, ActionDeleteFile, ActionReadFile, ActionListFiles, ActionRunTool,
	ActionGitBranch, ActionGitCommit, ActionGitPush, ActionArchitectureChange, ActionDependencyChange,
}

// AllActions returns every known action kind.
func AllActions() []ActionKind {
	return append([]ActionKind(nil), actionKinds...)
}

// Valid reports whether a is a known action kind.
func (a ActionKind) Valid() bool {
	for _, k := range actionKinds {
		if k == a {
			return true
		}
	}
	return false
}

// Step is one unit of work inside a plan.
type Step struct {
	ID           string         `json:"id"`
	Action       ActionKind     `json:"action"`
	Description  string         `json:"description"`
	DependsOn    []string       `json:"depends_on,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Args         map[string]any `json:"args,omitempty"`
	Validation   []string       `json:"validation,omitempty"`
}

func (s Step) clone() Step {
	c := s
	c.DependsOn = append([]string(nil), s.DependsOn...)
	c.Capabilities = append([]string(nil), s.Capabilities...)
	c.Validation = append([]string(nil), s.Validation...)
	if s.Args != nil {
		c.Args = make(map[string]any, len(s.Args))
		for k, v := range s.Args {
			c.Args[k] = v
		}
	}
	return c
}

// Plan is an immutable ordered list of steps. Refinement produces a new
// Plan with a higher version.
type Plan struct {
	Version   int       `json:"version"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPlan copies steps into a new plan.
func NewPlan(version int, steps []Step) *Plan {
	cp := make([]Step, len(steps))
	for i, s := range steps {
		cp[i] = s.clone()
	}
	return &Plan{Version: version, Steps: cp, CreatedAt: time.Now().UTC()}
}

// Revise returns the successor of p built from steps.
func (p *Plan) Revise(steps []Step) *Plan {
	v := 1
	if p != nil {
		v = p.Version + 1
	}
	return NewPlan(v, steps)
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}

// StepsCopy returns a deep copy of the steps.
func (p *Plan) StepsCopy() []Step {
	if p == nil {
		return nil
	}
	out := make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.clone()
	}
	return out
}

var (
	// ErrDuplicateStep is returned when two steps share an identifier.
	ErrDuplicateStep = errors.New("duplicate step id")

	// ErrUnknownDependency is returned when a step depends on a missing step.
	ErrUnknownDependency = errors.New("unknown step dependency")

	// ErrDependencyCycle is returned when the dependency graph is not acyclic.
	ErrDependencyCycle = errors.New("step dependency cycle")
)

// Validate checks step identifiers and the dependency graph.
func (p *Plan) Validate() error {
	_, err := p.ExecutionOrder()
	return err
}

// ExecutionOrder returns the steps in an order consistent with their
// dependency sets. Among steps that are ready at the same time, list order
// wins.
func (p *Plan) ExecutionOrder() ([]Step, error) {
	if p == nil {
		return nil, nil
	}

	index := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return nil, fmt.Errorf("step %d: empty id", i)
		}
		if _, dup := index[s.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStep, s.ID)
		}
		index[s.ID] = i
	}

	pending := make([]int, len(p.Steps))
	dependents := make(map[string][]int, len(p.Steps))
	for i, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, s.ID, dep)
			}
			if dep == s.ID {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, s.ID)
			}
			pending[i]++
			dependents[dep] = append(dependents[dep], i)
		}
	}

	done := make([]bool, len(p.Steps))
	order := make([]Step, 0, len(p.Steps))
	for len(order) < len(p.Steps) {
		next := -1
		for i := range p.Steps {
			if !done[i] && pending[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, ErrDependencyCycle
		}
		done[next] = true
		order = append(order, p.Steps[next].clone())
		for _, d := range dependents[p.Steps[next].ID] {
			pending[d]--
		}
	}
	return order, nil
}

// StepOutcome is the recorded result of attempting one step.
type StepOutcome struct {
	StepID    string     `json:"step_id"`
	Action    ActionKind `json:"action"`
	Iteration int        `json:"iteration"`
	Success   bool       `json:"success"`
	Message   string     `json:"message,omitempty"`
	Resources []string   `json:"resources,omitempty"`
	Error     string     `json:"error,omitempty"`
	Critical  bool       `json:"critical,omitempty"`
}
