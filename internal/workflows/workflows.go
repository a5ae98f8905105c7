package workflows

import (
	"fmt"
	"strings"
	"time"

	wf "github.com/fluxgate/workflowcore/internal/domain/workflow"
	"github.com/fluxgate/workflowcore/internal/engine/registry"
	"github.com/fluxgate/workflowcore/internal/engine/step"
)

// RegisterAll builds and registers every demonstration workflow into reg.
// It is the one place cmd/main.go's bootstrap (via internal/app) needs to
// touch to add a workflow to the running engine; a real deployment would
// replace this with its own catalog, built the same way.
func RegisterAll(reg *registry.Registry) error {
	workflows, err := build()
	if err != nil {
		return err
	}
	for _, w := range workflows {
		if err := reg.Register(w); err != nil {
			return fmt.Errorf("workflows: register %q: %w", w.Name, err)
		}
	}
	return nil
}

func build() ([]wf.Workflow, error) {
	onboard, err := onboardCustomer()
	if err != nil {
		return nil, err
	}
	provision, err := provisionResource()
	if err != nil {
		return nil, err
	}
	decommission, err := decommissionResource()
	if err != nil {
		return nil, err
	}
	reconcile, err := reconcileInventory()
	if err != nil {
		return nil, err
	}
	return []wf.Workflow{onboard, provision, decommission, reconcile}, nil
}

// onboardCustomer collects an account name and plan via a single-page input
// form, validates the plan, then, behind a conditional guard on that
// validation, persists the account in a grouped two-step sequence; a
// sub-step that fails or suspends is recorded in state so the group's next
// run starts at that sub-step.
func onboardCustomer() (wf.Workflow, error) {
	form := func() wf.FormGenerator { return newSinglePageForm("account_name", "plan") }

	validatePlan := step.New(
		"validate_plan",
		wf.AssigneeSystem,
		wf.ArgManifest{{Name: "plan", Kind: wf.ParamValue, Key: "plan"}},
		nil, nil, nil,
		func(state wf.State) (map[string]any, error) {
			plan, _ := state.Get("plan")
			name, _ := plan.(string)
			if strings.TrimSpace(name) == "" {
				return nil, fmt.Errorf("onboard_customer: plan is required")
			}
			return map[string]any{"plan_validated": true}, nil
		},
	)

	reservedCheck := step.New(
		"check_name_available",
		wf.AssigneeSystem,
		wf.ArgManifest{{Name: "account_name", Kind: wf.ParamValue, Key: "account_name"}},
		nil, nil, nil,
		func(state wf.State) (map[string]any, error) {
			return map[string]any{"name_reserved": true}, nil
		},
	)

	createAccount := step.New(
		"create_account_record",
		wf.AssigneeSystem,
		wf.ArgManifest{},
		nil, nil, nil,
		func(state wf.State) (map[string]any, error) {
			return map[string]any{"account_created_at": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	)

	persistGroup := step.Group("persist_account", wf.Of(reservedCheck, createAccount))

	steps := wf.Of(
		step.Input("collect_account_details", wf.AssigneeSystem, form),
		validatePlan,
	).Append(step.Conditional(func(state wf.State) bool {
		v, _ := state.Get("plan_validated")
		ok, _ := v.(bool)
		return ok
	}, persistGroup))

	return step.CreateWorkflow(
		"onboard_customer",
		"collects account details and provisions a new customer account",
		form,
		steps,
		step.Hooks{},
	)
}

// provisionResource demonstrates the retrystep/callback combinators: an
// external call that may be transiently unavailable (retrystep, so the
// resume_waiting sweep drives it), followed by a callback suspension
// awaiting an out-of-band confirmation before finishing.
func provisionResource() (wf.Workflow, error) {
	requestProvision := step.Retry(
		"request_provision",
		wf.AssigneeSystem,
		wf.ArgManifest{{Name: "resource_type", Kind: wf.ParamValue, Key: "resource_type", Default: "generic"}},
		nil, nil, nil,
		func(state wf.State) (map[string]any, error) {
			return map[string]any{"provision_requested": true}, nil
		},
	)

	confirmProvision := step.New(
		"confirm_provision",
		wf.AssigneeSystem,
		wf.ArgManifest{},
		nil, nil, nil,
		func(state wf.State) (map[string]any, error) {
			return map[string]any{"provisioned": true}, nil
		},
	)

	steps := wf.Of(requestProvision).Append(
		step.Callback("await_provider_confirmation", wf.Step{
			Name: "await_provider_confirmation.noop",
			Fn:   func(state wf.State) wf.Outcome { return wf.Success(state) },
		}, confirmProvision, "provision_confirmed", nil),
	)

	return step.CreateWorkflow(
		"provision_resource",
		"requests provisioning from an external provider and awaits its confirmation callback",
		nil,
		steps,
		step.Hooks{},
	)
}

// decommissionResource is a TERMINATE workflow: it tears down a resource
// unconditionally, in one step, so the control surface's abort/terminate
// path has a real target besides the create/modify demos.
func decommissionResource() (wf.Workflow, error) {
	release := step.New(
		"release_resource",
		wf.AssigneeSystem,
		wf.ArgManifest{{Name: "resource_id", Kind: wf.ParamValue, Key: "resource_id"}},
		nil, nil, nil,
		func(state wf.State) (map[string]any, error) {
			return map[string]any{"released_at": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	)
	return step.TerminateWorkflow(
		"decommission_resource",
		"releases a previously provisioned resource",
		nil,
		wf.Of(release),
		step.Hooks{},
	)
}

// reconcileInventory is a RECONCILE workflow: its external fetch is a
// retrystep, so a transient fetch failure waits for the next resume_waiting
// tick rather than failing the process outright; the comparison that follows
// is a plain step.
func reconcileInventory() (wf.Workflow, error) {
	fetchExternal := step.Retry(
		"fetch_external_counts",
		wf.AssigneeSystem,
		wf.ArgManifest{},
		nil, nil, nil,
		func(state wf.State) (map[string]any, error) {
			return map[string]any{"external_counts_fetched": true}, nil
		},
	)
	compare := step.New(
		"compare_counts",
		wf.AssigneeSystem,
		wf.ArgManifest{},
		nil, nil, nil,
		func(state wf.State) (map[string]any, error) {
			return map[string]any{"reconciled": true}, nil
		},
	)
	return step.ReconcileWorkflow(
		"reconcile_inventory",
		"compares recorded inventory counts against an external source of truth",
		wf.Of(fetchExternal, compare),
	)
}
