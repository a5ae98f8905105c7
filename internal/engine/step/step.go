// Package step provides the combinators that build a workflow.StepList:
// step, retrystep, inputstep, callback_step, conditional, focussteps and
// step_group, plus the per-target workflow builders. New and Retry share
// one shape: wrap a plain body, run it under a global-pause check, map
// failures to an outcome tag. The other combinators wrap existing steps and
// take no pause gate.
package step

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	wf "github.com/fluxgate/workflowcore/internal/domain/workflow"
)

// PauseGate is consulted before every step body runs; when it reports true
// (global_lock is set) the step returns the current outcome unchanged and
// the executor stops advancing.
type PauseGate func() bool

// Body is a step function already wrapped in argument injection, what a
// user supplies to step()/retrystep()/etc. It receives the already-hydrated
// argv via state and returns a partial state update to merge, or an error.
type Body func(state wf.State) (map[string]any, error)

// New wraps f as a plain step: Success on a nil error, Failed otherwise.
// The manifest and hydrator are threaded through so Run can perform
// injection immediately before calling f.
func New(name string, assignee wf.Assignee, manifest wf.ArgManifest, domainKeys map[string]string, hydrator wf.DomainHydrator, gate PauseGate, f Body) wf.Step {
	return wf.Step{
		Name:     name,
		Assignee: assignee,
		Manifest: manifest,
		Fn: func(state wf.State) wf.Outcome {
			if gate != nil && gate() {
				return wf.Success(state) // executor observes state unchanged via Advances()+gate recheck
			}
			ret, err := f(state)
			if err != nil {
				return wf.Failed(err, isAssertionError(err))
			}
			merged, mergeErr := wf.MergeReturn(state, ret, domainKeys, hydrator)
			if mergeErr != nil {
				return wf.Failed(mergeErr, false)
			}
			return wf.Success(merged)
		},
	}
}

// Retry wraps f as a retrystep: failures map to Waiting, not Failed, so the
// task-maintenance resume_waiting sweep retries them automatically.
func Retry(name string, assignee wf.Assignee, manifest wf.ArgManifest, domainKeys map[string]string, hydrator wf.DomainHydrator, gate PauseGate, f Body) wf.Step {
	return wf.Step{
		Name:     name,
		Assignee: assignee,
		Manifest: manifest,
		Fn: func(state wf.State) wf.Outcome {
			if gate != nil && gate() {
				return wf.Success(state)
			}
			ret, err := f(state)
			if err != nil {
				return wf.Waiting(err)
			}
			merged, mergeErr := wf.MergeReturn(state, ret, domainKeys, hydrator)
			if mergeErr != nil {
				return wf.Waiting(mergeErr)
			}
			return wf.Success(merged)
		},
	}
}

// Input wraps a form factory as an inputstep: running it always suspends;
// a generator is only minted and executed when the form collaborator drives
// it via PostForm at start/resume time, never inside the executor loop.
func Input(name string, assignee wf.Assignee, form wf.FormFactory) wf.Step {
	return wf.Step{
		Name:     name,
		Assignee: assignee,
		Form:     form,
		Fn: func(state wf.State) wf.Outcome {
			return wf.Suspend(state, form)
		},
	}
}

// TokenFunc mints a fresh opaque callback route token. The route key name
// is not a secret, but the token value must be unguessable.
type TokenFunc func() (string, error)

// RandomToken is the default TokenFunc: 32 bytes from crypto/rand, hex-encoded.
func RandomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("callback token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Callback expands into a three-step micro-sequence: run the action,
// suspend awaiting an external callback under a fresh route
// token, then run validate. callbackRouteKey defaults to "callback" when empty.
func Callback(name string, actionStep, validateStep wf.Step, callbackRouteKey string, tokenFn TokenFunc) wf.StepList {
	if callbackRouteKey == "" {
		callbackRouteKey = "callback"
	}
	if tokenFn == nil {
		tokenFn = RandomToken
	}
	await := wf.Step{
		Name: name + ".await_callback",
		Fn: func(state wf.State) wf.Outcome {
			token, err := tokenFn()
			if err != nil {
				return wf.Failed(err, false)
			}
			return wf.AwaitingCallback(state, callbackRouteKey, token)
		},
	}
	return wf.Of(actionStep, await, validateStep)
}

// Conditional wraps each of steps so that, at run time, a false predicate
// short-circuits to Skipped(state) instead of running the body.
func Conditional(predicate func(wf.State) bool, steps ...wf.Step) wf.StepList {
	out := make(wf.StepList, 0, len(steps))
	for _, s := range steps {
		s := s
		inner := s.Fn
		s.Fn = func(state wf.State) wf.Outcome {
			if predicate != nil && !predicate(state) {
				return wf.Skipped(state)
			}
			if inner == nil {
				return wf.Success(state)
			}
			return inner(state)
		}
		out = append(out, s)
	}
	return out
}

// Focus restricts each wrapped step to the substate under key, merging its
// result back under that key, so a sub-pipeline's working state cannot
// collide with its siblings'.
func Focus(key string, steps ...wf.Step) wf.StepList {
	out := make(wf.StepList, 0, len(steps))
	for _, s := range steps {
		s := s
		inner := s.Fn
		s.Fn = func(state wf.State) wf.Outcome {
			sub, _ := state.Get(key)
			subState, _ := sub.(wf.State)
			if subState == nil {
				subState = wf.State{}
			}
			if inner == nil {
				return wf.Success(state)
			}
			res := inner(subState)
			merged := state.Clone()
			merged[key] = res.State
			if !res.Advances() {
				res.State = merged
				return res
			}
			return wf.Success(merged)
		}
		out = append(out, s)
	}
	return out
}

// Group runs an inner StepList as one nested sequence, exposing a single
// composite transition in the parent log unless an inner step suspends or
// fails, in which case it persists a marker so resume replays from the
// inner step.
func Group(groupName string, inner wf.StepList) wf.Step {
	return wf.Step{
		Name: groupName,
		Fn: func(state wf.State) wf.Outcome {
			resumeSub, _ := state.Get("__sub_step")
			resumeGroup, _ := state.Get("__step_group")
			startAt := 0
			if resumeGroup == groupName {
				if name, ok := resumeSub.(string); ok {
					for i, s := range inner {
						if s.Name == name {
							startAt = i
							break
						}
					}
				}
			}
			cur := wf.Success(clearGroupMarkers(state))
			for i := startAt; i < len(inner); i++ {
				s := inner[i]
				cur = cur.ExecuteStep(s)
				if !cur.Advances() {
					if cur.Tag == wf.TagSuspend || cur.Tag == wf.TagAwaitingCallback || cur.Tag == wf.TagFailed || cur.Tag == wf.TagWaiting {
						marked := cur.State.Clone()
						marked["__step_group"] = groupName
						marked["__sub_step"] = s.Name
						cur.State = marked
					}
					return cur
				}
			}
			return cur
		},
	}
}

func clearGroupMarkers(state wf.State) wf.State {
	if state == nil {
		return wf.State{}
	}
	out := state.Clone()
	delete(out, "__sub_step")
	delete(out, "__step_group")
	return out
}

func isAssertionError(err error) bool {
	type assertionTagged interface{ AssertionFailure() bool }
	if a, ok := err.(assertionTagged); ok {
		return a.AssertionFailure()
	}
	return false
}
