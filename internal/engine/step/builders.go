package step

import (
	"fmt"

	wf "github.com/fluxgate/workflowcore/internal/domain/workflow"
)

// Hooks are the optional collaborators the per-target builders below call
// out to for the standard prologue/epilogue steps (store the process-
// subscription relationship, lock/unlock the subscription, set its
// lifecycle, refresh the search index). Every field is nil-safe: a caller
// that leaves a field nil gets a step that runs as a harmless no-op rather
// than one that panics or silently skips state. This keeps step and
// workflow free of persistence concerns, the same way wf.DomainHydrator
// keeps ArgManifest.Hydrate free of them.
type Hooks struct {
	StoreProcessSubscription func(state wf.State, target wf.Target) (map[string]any, error)
	Lock                     func(state wf.State) (map[string]any, error)
	Unlock                   func(state wf.State) (map[string]any, error)
	SetLifecycle             func(state wf.State, status string) (map[string]any, error)
	RefreshSearchIndex       func(state wf.State) (map[string]any, error)
}

// Init is the standard prologue pure step: Success(state) unchanged. Every
// builder below prepends it.
func Init() wf.Step {
	return wf.Step{Name: "Start", Fn: func(state wf.State) wf.Outcome { return wf.Success(state) }}
}

// Done is the standard epilogue pure step: the only place a built-in builder
// produces wf.Complete. Every builder below appends it so a workflow run
// through to its last step actually reaches TagComplete.
func Done() wf.Step {
	return wf.Step{Name: "Done", Fn: func(state wf.State) wf.Outcome { return wf.Complete(state) }}
}

func hookStep(name string, fn func(wf.State) (map[string]any, error)) wf.Step {
	return wf.Step{
		Name: name,
		Fn: func(state wf.State) wf.Outcome {
			if fn == nil {
				return wf.Success(state)
			}
			ret, err := fn(state)
			if err != nil {
				return wf.Failed(err, isAssertionError(err))
			}
			if ret == nil {
				return wf.Success(state)
			}
			return wf.Success(state.Merge(wf.State(ret)))
		},
	}
}

func storeProcessSubscriptionStep(target wf.Target, h Hooks) wf.Step {
	return hookStep("Create Process Subscription relation", func(state wf.State) (map[string]any, error) {
		if h.StoreProcessSubscription == nil {
			return nil, nil
		}
		return h.StoreProcessSubscription(state, target)
	})
}

func lockStep(h Hooks) wf.Step {
	return hookStep("Lock subscription", h.Lock)
}

func unlockStep(h Hooks) wf.Step {
	return hookStep("Unlock subscription", h.Unlock)
}

func setLifecycleStep(status string, h Hooks) wf.Step {
	return hookStep(fmt.Sprintf("Set subscription to %q", status), func(state wf.State) (map[string]any, error) {
		if h.SetLifecycle == nil {
			return nil, nil
		}
		return h.SetLifecycle(state, status)
	})
}

func refreshSearchIndexStep(h Hooks) wf.Step {
	return hookStep("Refresh subscription search index", h.RefreshSearchIndex)
}

// Workflow assembles a wf.Workflow from its name, target and a fully built
// step list (prologue, body and epilogue already appended). The per-target
// convenience builders below are the only callers in normal use: they pin
// Target, splice the standard prologue/epilogue steps around the
// caller-supplied body, and validate before handing back to the caller.
func Workflow(name, description string, target wf.Target, initialForm wf.FormFactory, steps wf.StepList) (wf.Workflow, error) {
	w := wf.Workflow{
		Name:             name,
		Description:      description,
		Target:           target,
		InitialInputForm: initialForm,
		Steps:            steps,
	}
	if err := w.Validate(); err != nil {
		return wf.Workflow{}, err
	}
	return w, nil
}

// CreateWorkflow wraps body between the init/done pair with the create
// epilogue: set the subscription active, unlock it, refresh the search
// index.
func CreateWorkflow(name, description string, initialForm wf.FormFactory, body wf.StepList, h Hooks) (wf.Workflow, error) {
	steps := wf.Of(Init()).
		Append(body).
		Append(wf.Of(setLifecycleStep("active", h), unlockStep(h), refreshSearchIndexStep(h), Done()))
	return Workflow(name, description, wf.TargetCreate, initialForm, steps)
}

// ModifyWorkflow locks the subscription before body and unlocks it
// afterward, storing the process-subscription relationship up front.
func ModifyWorkflow(name, description string, initialForm wf.FormFactory, body wf.StepList, h Hooks) (wf.Workflow, error) {
	steps := wf.Of(Init(), storeProcessSubscriptionStep(wf.TargetModify, h), lockStep(h)).
		Append(body).
		Append(wf.Of(unlockStep(h), refreshSearchIndexStep(h), Done()))
	return Workflow(name, description, wf.TargetModify, initialForm, steps)
}

// TerminateWorkflow locks the subscription, runs body, sets it terminated,
// unlocks and refreshes the search index.
func TerminateWorkflow(name, description string, initialForm wf.FormFactory, body wf.StepList, h Hooks) (wf.Workflow, error) {
	steps := wf.Of(Init(), storeProcessSubscriptionStep(wf.TargetTerminate, h), lockStep(h)).
		Append(body).
		Append(wf.Of(setLifecycleStep("terminated", h), unlockStep(h), refreshSearchIndexStep(h), Done()))
	return Workflow(name, description, wf.TargetTerminate, initialForm, steps)
}

// ValidateWorkflow locks the subscription, runs body, unlocks. No
// lifecycle change and no search-index refresh.
func ValidateWorkflow(name, description string, body wf.StepList, h Hooks) (wf.Workflow, error) {
	steps := wf.Of(Init(), storeProcessSubscriptionStep(wf.TargetValidate, h), lockStep(h)).
		Append(body).
		Append(wf.Of(unlockStep(h), Done()))
	return Workflow(name, description, wf.TargetValidate, nil, steps)
}

// ReconcileWorkflow wraps body between init/done only: reconciliation has no
// subscription to lock or relate, it just needs to reach TagComplete like
// every other built workflow.
func ReconcileWorkflow(name, description string, body wf.StepList) (wf.Workflow, error) {
	steps := wf.Of(Init()).Append(body).Append(wf.Of(Done()))
	return Workflow(name, description, wf.TargetReconcile, nil, steps)
}

// SystemWorkflow builds a workflow with no input form and no subscription
// concern, for the task-maintenance workflows (resume_waiting,
// cleanup_completed_tasks): just init/body/done.
func SystemWorkflow(name, description string, body wf.StepList) (wf.Workflow, error) {
	steps := wf.Of(Init()).Append(body).Append(wf.Of(Done()))
	return Workflow(name, description, wf.TargetSystem, nil, steps)
}
