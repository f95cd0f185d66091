package taskgraph

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// PlanDocument is the task graph submitted to create a Build. It must pass
// Validate before any Build is constructed.
type PlanDocument struct {
	ID     string      `koanf:"id" json:"id"`
	Title  string      `koanf:"title" json:"title"`
	Phases []PlanPhase `koanf:"phases" json:"phases"`
}

// PlanPhase declares one phase of the plan.
type PlanPhase struct {
	ID           string     `koanf:"id" json:"id"`
	Name         string     `koanf:"name" json:"name"`
	Capability   string     `koanf:"capability" json:"capability"`
	Tasks        []PlanTask `koanf:"tasks" json:"tasks"`
	Dependencies []int      `koanf:"dependencies" json:"dependencies"`
	Parallel     bool       `koanf:"parallel" json:"parallel"`
}

// PlanTask declares one atomic task.
type PlanTask struct {
	ID          string   `koanf:"id" json:"id"`
	Description string   `koanf:"description" json:"description"`
	Capability  string   `koanf:"capability" json:"capability"`
	Input       []string `koanf:"input" json:"input"`
	Output      string   `koanf:"output" json:"output"`
}

// FieldError is a single field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError aggregates every field-level failure found in a plan.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Error()
	}
	return "invalid plan: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ParsePlan decodes a YAML plan document.
func ParsePlan(data []byte) (*PlanDocument, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	var doc PlanDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &doc, nil
}

// Validate checks the plan against the submission schema and returns every
// field-level error found. A nil return means the plan is acceptable.
func (d *PlanDocument) Validate() error {
	verr := &ValidationError{}

	if d.ID == "" {
		verr.add("id", "must not be empty")
	}
	if d.Title == "" {
		verr.add("title", "must not be empty")
	}
	if len(d.Phases) == 0 {
		verr.add("phases", "plan must declare at least one phase")
	}

	phaseIDs := map[string]bool{}
	taskIDs := map[string]bool{}
	for pi, p := range d.Phases {
		prefix := fmt.Sprintf("phases[%d]", pi)
		if p.ID == "" {
			verr.add(prefix+".id", "must not be empty")
		} else if phaseIDs[p.ID] {
			verr.add(prefix+".id", "duplicate phase id %q", p.ID)
		}
		phaseIDs[p.ID] = true

		if p.Name == "" {
			verr.add(prefix+".name", "must not be empty")
		}
		if !Capability(p.Capability).Valid() {
			verr.add(prefix+".capability", "unknown capability %q", p.Capability)
		}
		if len(p.Tasks) == 0 {
			verr.add(prefix+".tasks", "phase must declare at least one task")
		}
		for _, dep := range p.Dependencies {
			if dep < 0 || dep >= pi {
				verr.add(prefix+".dependencies", "dependency %d must reference a strictly earlier phase", dep)
			}
		}

		for ti, t := range p.Tasks {
			tprefix := fmt.Sprintf("%s.tasks[%d]", prefix, ti)
			if t.ID == "" {
				verr.add(tprefix+".id", "must not be empty")
			} else if taskIDs[t.ID] {
				verr.add(tprefix+".id", "duplicate task id %q", t.ID)
			}
			taskIDs[t.ID] = true

			if t.Description == "" {
				verr.add(tprefix+".description", "must not be empty")
			}
			capability := t.Capability
			if capability == "" {
				capability = p.Capability
			}
			if !Capability(capability).Valid() {
				verr.add(tprefix+".capability", "unknown capability %q", t.Capability)
			}
		}
	}

	// Input references must name tasks that exist somewhere in the plan.
	for pi, p := range d.Phases {
		for ti, t := range p.Tasks {
			for _, ref := range t.Input {
				if !taskIDs[ref] {
					verr.add(fmt.Sprintf("phases[%d].tasks[%d].input", pi, ti),
						"input reference %q does not name a task in this plan", ref)
				}
			}
		}
	}

	if len(verr.Errors) > 0 {
		return verr
	}
	return nil
}

// NewBuild constructs a Build from a validated plan. Invalid plans are
// rejected with the full list of field errors and no Build is created.
func NewBuild(doc *PlanDocument) (*Build, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	b := &Build{
		ID:              uuid.New().String(),
		Title:           doc.Title,
		Status:          BuildPending,
		EscalationLevel: EscalationNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	for _, pp := range doc.Phases {
		phase := &Phase{
			ID:         pp.ID,
			Name:       pp.Name,
			Capability: Capability(pp.Capability),
			DependsOn:  append([]int(nil), pp.Dependencies...),
			Parallel:   pp.Parallel,
			Status:     PhasePending,
		}
		for _, pt := range pp.Tasks {
			capability := Capability(pt.Capability)
			if pt.Capability == "" {
				capability = phase.Capability
			}
			phase.Tasks = append(phase.Tasks, &Task{
				ID:          pt.ID,
				Description: pt.Description,
				Capability:  capability,
				Input:       append([]string(nil), pt.Input...),
				Output:      pt.Output,
				Status:      TaskQueued,
			})
		}
		b.Phases = append(b.Phases, phase)
	}

	return b, nil
}
