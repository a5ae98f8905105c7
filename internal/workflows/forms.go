// Package workflows holds the demonstration workflows registered at
// bootstrap: concrete wf.Workflow values built from the step combinators,
// exercising every outcome tag the engine supports.
package workflows

import wf "github.com/fluxgate/workflowcore/internal/domain/workflow"

// singlePageForm is the simplest FormGenerator: it asks once, for exactly
// the fields named, then is done. It never validates beyond presence.
type singlePageForm struct {
	fields    []string
	submitted map[string]any
	done      bool
}

func newSinglePageForm(fields ...string) *singlePageForm {
	return &singlePageForm{fields: fields}
}

func (f *singlePageForm) NextForm(state wf.State) (wf.FormStep, error) {
	if f.done {
		return wf.FormStep{Done: true, Value: f.submitted}, nil
	}
	schema := make(wf.FormSchema, len(f.fields))
	for _, name := range f.fields {
		schema[name] = map[string]any{"type": "string", "required": true}
	}
	return wf.FormStep{Done: false, Schema: schema}, nil
}

func (f *singlePageForm) Submit(input map[string]any) error {
	missing := map[string]string{}
	for _, name := range f.fields {
		if _, ok := input[name]; !ok {
			missing[name] = "required"
		}
	}
	if len(missing) > 0 {
		return &wf.ValidationError{Fields: missing}
	}
	f.submitted = input
	f.done = true
	return nil
}
