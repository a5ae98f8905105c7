package step

import (
	"errors"
	"testing"

	wf "github.com/fluxgate/workflowcore/internal/domain/workflow"
)

func TestNewReturnsSuccessOnNilError(t *testing.T) {
	s := New("add_one", wf.AssigneeSystem, wf.ArgManifest{}, nil, nil, nil, func(state wf.State) (map[string]any, error) {
		return map[string]any{"n": 1}, nil
	})
	out := s.Run(wf.State{})
	if out.Tag != wf.TagSuccess {
		t.Fatalf("expected Success, got %s", out.Tag)
	}
	if v, _ := out.State.Get("n"); v != 1 {
		t.Fatalf("expected merged return value, got %#v", out.State)
	}
}

func TestNewReturnsFailedOnError(t *testing.T) {
	boom := errors.New("boom")
	s := New("fail", wf.AssigneeSystem, wf.ArgManifest{}, nil, nil, nil, func(state wf.State) (map[string]any, error) {
		return nil, boom
	})
	out := s.Run(wf.State{})
	if out.Tag != wf.TagFailed {
		t.Fatalf("expected Failed, got %s", out.Tag)
	}
	if out.FailureClass != wf.FailureGeneric {
		t.Fatalf("expected generic failure class, got %s", out.FailureClass)
	}
}

type assertionErr struct{}

func (assertionErr) Error() string        { return "assertion failed" }
func (assertionErr) AssertionFailure() bool { return true }

func TestNewClassifiesAssertionFailures(t *testing.T) {
	s := New("fail", wf.AssigneeSystem, wf.ArgManifest{}, nil, nil, nil, func(state wf.State) (map[string]any, error) {
		return nil, assertionErr{}
	})
	out := s.Run(wf.State{})
	if out.FailureClass != wf.FailureAssertion {
		t.Fatalf("expected assertion failure class, got %s", out.FailureClass)
	}
}

func TestNewRespectsGate(t *testing.T) {
	ran := false
	s := New("gated", wf.AssigneeSystem, wf.ArgManifest{}, nil, nil, func() bool { return true }, func(state wf.State) (map[string]any, error) {
		ran = true
		return nil, nil
	})
	out := s.Run(wf.State{"a": 1})
	if ran {
		t.Fatal("a paused gate must short-circuit the step body")
	}
	if out.Tag != wf.TagSuccess {
		t.Fatalf("a paused step should still return Success to avoid advancing further, got %s", out.Tag)
	}
}

func TestRetryMapsFailureToWaiting(t *testing.T) {
	s := Retry("flaky", wf.AssigneeSystem, wf.ArgManifest{}, nil, nil, nil, func(state wf.State) (map[string]any, error) {
		return nil, errors.New("transient")
	})
	out := s.Run(wf.State{})
	if out.Tag != wf.TagWaiting {
		t.Fatalf("expected Waiting, got %s", out.Tag)
	}
}

func TestRetrySucceedsLikeStep(t *testing.T) {
	s := Retry("ok", wf.AssigneeSystem, wf.ArgManifest{}, nil, nil, nil, func(state wf.State) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	out := s.Run(wf.State{})
	if out.Tag != wf.TagSuccess {
		t.Fatalf("expected Success, got %s", out.Tag)
	}
}

type staticForm struct{ done bool }

func (f *staticForm) NextForm(wf.State) (wf.FormStep, error) {
	return wf.FormStep{Done: f.done}, nil
}
func (f *staticForm) Submit(map[string]any) error { f.done = true; return nil }

func TestInputAlwaysSuspends(t *testing.T) {
	minted := 0
	factory := func() wf.FormGenerator {
		minted++
		return &staticForm{}
	}
	s := Input("collect", wf.AssigneeSystem, factory)
	out := s.Run(wf.State{})
	if out.Tag != wf.TagSuspend {
		t.Fatalf("expected Suspend, got %s", out.Tag)
	}
	if out.Form == nil {
		t.Fatal("Suspend outcome must carry the form factory")
	}
	if minted != 0 {
		t.Fatal("running an inputstep must not mint a generator")
	}
	if gen := out.Form(); gen == nil {
		t.Fatal("the carried factory must mint a generator on demand")
	}
	if minted != 1 {
		t.Fatalf("expected exactly one generator minted, got %d", minted)
	}
}

func TestCallbackSequenceSuspendsThenValidates(t *testing.T) {
	action := wf.Step{Name: "action", Fn: func(s wf.State) wf.Outcome { return wf.Success(s.Merge(wf.State{"requested": true})) }}
	validate := wf.Step{Name: "validate", Fn: func(s wf.State) wf.Outcome { return wf.Success(s.Merge(wf.State{"validated": true})) }}

	seq := Callback("provision", action, validate, "", func() (string, error) { return "tok-123", nil })
	if len(seq) != 3 {
		t.Fatalf("expected a 3-step sequence, got %d", len(seq))
	}

	cur := wf.Success(wf.State{})
	cur = cur.ExecuteStep(seq[0])
	if cur.Tag != wf.TagSuccess {
		t.Fatalf("action step should succeed, got %s", cur.Tag)
	}

	cur = cur.ExecuteStep(seq[1])
	if cur.Tag != wf.TagAwaitingCallback {
		t.Fatalf("await step should suspend awaiting callback, got %s", cur.Tag)
	}
	if cur.RouteToken != "tok-123" {
		t.Fatalf("expected minted token, got %q", cur.RouteToken)
	}
	if cur.RouteKey != "callback" {
		t.Fatalf("expected default route key, got %q", cur.RouteKey)
	}

	// Resuming from AwaitingCallback hands control back to the executor,
	// which re-enters at validate on the next pass.
	resumed := wf.Success(cur.State).ExecuteStep(seq[2])
	if resumed.Tag != wf.TagSuccess {
		t.Fatalf("validate step should succeed, got %s", resumed.Tag)
	}
	if v, _ := resumed.State.Get("validated"); v != true {
		t.Fatal("validate step's result should be merged into state")
	}
}

func TestConditionalSkipsOnFalsePredicate(t *testing.T) {
	ran := false
	inner := wf.Step{Name: "inner", Fn: func(s wf.State) wf.Outcome { ran = true; return wf.Success(s) }}
	wrapped := Conditional(func(wf.State) bool { return false }, inner)
	out := wrapped[0].Run(wf.State{})
	if ran {
		t.Fatal("a false predicate must short-circuit the wrapped step")
	}
	if out.Tag != wf.TagSkipped {
		t.Fatalf("expected Skipped, got %s", out.Tag)
	}
}

func TestConditionalRunsOnTruePredicate(t *testing.T) {
	inner := wf.Step{Name: "inner", Fn: func(s wf.State) wf.Outcome { return wf.Success(s.Merge(wf.State{"ran": true})) }}
	wrapped := Conditional(func(wf.State) bool { return true }, inner)
	out := wrapped[0].Run(wf.State{})
	if out.Tag != wf.TagSuccess {
		t.Fatalf("expected Success, got %s", out.Tag)
	}
	if v, _ := out.State.Get("ran"); v != true {
		t.Fatal("a true predicate should run the wrapped step")
	}
}

func TestFocusScopesSubstate(t *testing.T) {
	inner := wf.Step{Name: "inner", Fn: func(s wf.State) wf.Outcome {
		return wf.Success(s.Merge(wf.State{"touched": true}))
	}}
	wrapped := Focus("nested", inner)
	state := wf.State{"other": "untouched"}
	out := wrapped[0].Run(state)
	if out.Tag != wf.TagSuccess {
		t.Fatalf("expected Success, got %s", out.Tag)
	}
	sub, _ := out.State.Get("nested")
	subState, _ := sub.(wf.State)
	if v, _ := subState.Get("touched"); v != true {
		t.Fatalf("Focus should merge the inner result under its key, got %#v", out.State)
	}
	if v, _ := out.State.Get("other"); v != "untouched" {
		t.Fatal("Focus must not disturb sibling keys")
	}
}

func TestFocusPassesThroughNonAdvancing(t *testing.T) {
	inner := wf.Step{Name: "inner", Fn: func(s wf.State) wf.Outcome { return wf.Suspend(s, nil) }}
	wrapped := Focus("nested", inner)
	out := wrapped[0].Run(wf.State{})
	if out.Tag != wf.TagSuspend {
		t.Fatalf("expected Suspend to pass through, got %s", out.Tag)
	}
}

func TestGroupRunsAllStepsAndReturnsLast(t *testing.T) {
	a := wf.Step{Name: "a", Fn: func(s wf.State) wf.Outcome { return wf.Success(s.Merge(wf.State{"a": true})) }}
	b := wf.Step{Name: "b", Fn: func(s wf.State) wf.Outcome { return wf.Success(s.Merge(wf.State{"b": true})) }}
	grouped := Group("persist", wf.Of(a, b))
	out := grouped.Run(wf.State{})
	if out.Tag != wf.TagSuccess {
		t.Fatalf("expected Success, got %s", out.Tag)
	}
	if v, _ := out.State.Get("a"); v != true {
		t.Fatal("expected first sub-step's effect")
	}
	if v, _ := out.State.Get("b"); v != true {
		t.Fatal("expected second sub-step's effect")
	}
}

func TestGroupMarksResumePointOnSuspend(t *testing.T) {
	a := wf.Step{Name: "a", Fn: func(s wf.State) wf.Outcome { return wf.Success(s) }}
	b := wf.Step{Name: "b", Fn: func(s wf.State) wf.Outcome { return wf.Suspend(s, nil) }}
	grouped := Group("persist", wf.Of(a, b))
	out := grouped.Run(wf.State{})
	if out.Tag != wf.TagSuspend {
		t.Fatalf("expected Suspend, got %s", out.Tag)
	}
	if v, _ := out.State.Get("__step_group"); v != "persist" {
		t.Fatalf("expected group marker, got %#v", out.State)
	}
	if v, _ := out.State.Get("__sub_step"); v != "b" {
		t.Fatalf("expected sub-step marker on b, got %#v", out.State)
	}
}

func TestGroupResumesFromMarkedSubStep(t *testing.T) {
	aRan := false
	a := wf.Step{Name: "a", Fn: func(s wf.State) wf.Outcome { aRan = true; return wf.Success(s) }}
	b := wf.Step{Name: "b", Fn: func(s wf.State) wf.Outcome { return wf.Success(s.Merge(wf.State{"b": true})) }}
	grouped := Group("persist", wf.Of(a, b))

	state := wf.State{"__step_group": "persist", "__sub_step": "b"}
	out := grouped.Run(state)
	if aRan {
		t.Fatal("resuming at b must not re-run a")
	}
	if out.Tag != wf.TagSuccess {
		t.Fatalf("expected Success, got %s", out.Tag)
	}
	if v, _ := out.State.Get("b"); v != true {
		t.Fatal("expected b's effect on resume")
	}
	if _, ok := out.State.Get("__sub_step"); ok {
		t.Fatal("group markers should be cleared once the group completes")
	}
}

func TestCreateWorkflowReachesComplete(t *testing.T) {
	body := wf.Of(New("do_work", wf.AssigneeSystem, wf.ArgManifest{}, nil, nil, nil, func(state wf.State) (map[string]any, error) {
		return map[string]any{"worked": true}, nil
	}))

	w, err := CreateWorkflow("test_create", "exercises the create prologue/epilogue", nil, body, Hooks{})
	if err != nil {
		t.Fatalf("unexpected error building workflow: %v", err)
	}
	if w.Target != wf.TargetCreate {
		t.Fatalf("expected TargetCreate, got %s", w.Target)
	}

	cur := wf.Success(wf.State{})
	for _, s := range w.Steps {
		cur = cur.ExecuteStep(s)
		if !cur.Advances() && cur.Tag != wf.TagComplete {
			t.Fatalf("step %q did not advance: tag=%s err=%v", s.Name, cur.Tag, cur.Err)
		}
	}
	if cur.Tag != wf.TagComplete {
		t.Fatalf("expected workflow to reach TagComplete, got %s", cur.Tag)
	}
	if v, _ := cur.State.Get("worked"); v != true {
		t.Fatal("expected the body step's effect to survive through to completion")
	}
}

func TestHooksAreCalledWhenProvided(t *testing.T) {
	var gotTarget wf.Target
	var locked, unlocked, lifecycleSet, indexRefreshed bool

	h := Hooks{
		StoreProcessSubscription: func(state wf.State, target wf.Target) (map[string]any, error) {
			gotTarget = target
			return nil, nil
		},
		Lock:   func(state wf.State) (map[string]any, error) { locked = true; return nil, nil },
		Unlock: func(state wf.State) (map[string]any, error) { unlocked = true; return nil, nil },
		SetLifecycle: func(state wf.State, status string) (map[string]any, error) {
			lifecycleSet = status == "terminated"
			return nil, nil
		},
		RefreshSearchIndex: func(state wf.State) (map[string]any, error) { indexRefreshed = true; return nil, nil },
	}

	body := wf.Of(New("release", wf.AssigneeSystem, wf.ArgManifest{}, nil, nil, nil, func(state wf.State) (map[string]any, error) {
		return nil, nil
	}))
	w, err := TerminateWorkflow("test_terminate", "exercises the terminate hooks", nil, body, h)
	if err != nil {
		t.Fatalf("unexpected error building workflow: %v", err)
	}

	cur := wf.Success(wf.State{})
	for _, s := range w.Steps {
		cur = cur.ExecuteStep(s)
	}
	if cur.Tag != wf.TagComplete {
		t.Fatalf("expected TagComplete, got %s (err=%v)", cur.Tag, cur.Err)
	}
	if gotTarget != wf.TargetTerminate {
		t.Fatalf("expected StoreProcessSubscription called with TargetTerminate, got %s", gotTarget)
	}
	if !locked || !unlocked || !lifecycleSet || !indexRefreshed {
		t.Fatalf("expected every hook to run: locked=%v unlocked=%v lifecycleSet=%v indexRefreshed=%v",
			locked, unlocked, lifecycleSet, indexRefreshed)
	}
}

func TestRandomTokenIsNonEmptyAndUnique(t *testing.T) {
	a, err := RandomToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := RandomToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == "" || b == "" {
		t.Fatal("RandomToken should never return an empty string")
	}
	if a == b {
		t.Fatal("two calls to RandomToken should not collide")
	}
}
