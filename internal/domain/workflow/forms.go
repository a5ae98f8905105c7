package workflow

import "fmt"

// FormSchema is an opaque, collaborator-defined description of the fields a
// form generator wants presented to a user next. The engine never
// interprets its contents.
type FormSchema map[string]any

// FormStep is one step of a (possibly multi-step wizard) form generator:
// either it has more to ask (Done == false, Schema set) or it is finished
// (Done == true, Value carries the validated fields).
type FormStep struct {
	Done   bool
	Schema FormSchema
	Value  map[string]any
}

// FormGenerator is an explicit iterator contract in place of coroutine
// control flow: NextForm inspects
// state and either asks for more input or declares itself done; Submit
// advances the generator with one page of user input and returns
// validation errors (if any) without interpreting them further.
type FormGenerator interface {
	NextForm(state State) (FormStep, error)
	Submit(input map[string]any) error
}

// FormFactory mints a fresh FormGenerator per invocation. Workflows and
// steps carry factories, never generator instances: a generator is stateful,
// and two concurrent processes (or two starts of the same workflow) must
// never share one.
type FormFactory func() FormGenerator

// ValidationError carries per-field messages from a form collaborator; the
// engine surfaces it as form_validation_error without inspecting Fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("form validation failed for %d field(s)", len(e.Fields))
}

// NotCompleteError is raised when a generator still has forms left to
// present; it carries the next schema so the caller (start/resume) can
// present it and suspend.
type NotCompleteError struct {
	Next FormSchema
}

func (e *NotCompleteError) Error() string { return "form not complete" }

// PostForm drives a form generator to completion against a sequence of
// user-submitted input pages. On success it returns the
// generator's final validated mapping, ready to merge into state.
func PostForm(gen FormGenerator, state State, userInputs []map[string]any) (map[string]any, error) {
	if gen == nil {
		return map[string]any{}, nil
	}
	idx := 0
	for {
		step, err := gen.NextForm(state)
		if err != nil {
			var verr *ValidationError
			if asValidationError(err, &verr) {
				return nil, verr
			}
			return nil, err
		}
		if step.Done {
			return normalizeEmptyStrings(step.Value), nil
		}
		if idx >= len(userInputs) {
			return nil, &NotCompleteError{Next: step.Schema}
		}
		if err := gen.Submit(userInputs[idx]); err != nil {
			return nil, err
		}
		idx++
	}
}

func asValidationError(err error, target **ValidationError) bool {
	if ve, ok := err.(*ValidationError); ok {
		*target = ve
		return true
	}
	return false
}

// normalizeEmptyStrings converts "" to nil: empty-string
// values for nullable fields are normalized to null in persisted state. The
// form collaborator is responsible for only doing this on nullable columns;
// at the engine boundary every empty string is treated as a null candidate.
func normalizeEmptyStrings(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok && s == "" {
			out[k] = nil
			continue
		}
		out[k] = v
	}
	return out
}
