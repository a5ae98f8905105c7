// Package registry holds the process-local map of registered workflows,
// keyed by name. It distinguishes active registrations (List) from
// soft-deleted-but-still-resolvable ones (Get), so in-flight processes keep
// running while a workflow is being decommissioned.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	wf "github.com/fluxgate/workflowcore/internal/domain/workflow"
	"github.com/fluxgate/workflowcore/internal/observability"
)

type entry struct {
	workflow wf.Workflow
	active   bool
}

// Recorder persists registration metadata for audit/observability; it never
// gates Register/Deregister (a recorder failure is logged by the caller, not
// surfaced as a registry error) since the in-memory map is the registry's
// source of truth.
type Recorder interface {
	RecordRegistration(name string, target string) error
	RecordDeregistration(name string) error
}

// Registry is the in-process table of known workflows. It is populated once
// at startup by internal/workflows and read concurrently by the executor and
// HTTP control surface.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	Recorder Recorder
}

func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds w, rejecting a blank name, an invalid definition, or a
// duplicate of an already-registered (active) name.
func (r *Registry) Register(w wf.Workflow) error {
	start := time.Now()
	err := w.Validate()
	observability.Current().ObserveWorkflowValidation(time.Since(start), validationStatus(err))
	if err != nil {
		return err
	}
	r.mu.Lock()
	if existing, ok := r.entries[w.Name]; ok && existing.active {
		r.mu.Unlock()
		return fmt.Errorf("registry: workflow %q already registered", w.Name)
	}
	r.entries[w.Name] = entry{workflow: w, active: true}
	r.mu.Unlock()

	if r.Recorder != nil {
		_ = r.Recorder.RecordRegistration(w.Name, string(w.Target))
	}
	return nil
}

// Deregister marks name inactive without forgetting its definition: a
// process already in flight under that workflow must still resolve it via
// Get: soft-deleted workflows keep running in-flight processes.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		e.active = false
		r.entries[name] = e
	}
	r.mu.Unlock()

	if ok && r.Recorder != nil {
		_ = r.Recorder.RecordDeregistration(name)
	}
}

// Get resolves a workflow by name regardless of active state.
func (r *Registry) Get(name string) (wf.Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return wf.Workflow{}, false
	}
	return e.workflow, true
}

// List returns the names of every currently active workflow, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.active {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func validationStatus(err error) string {
	if err != nil {
		return "invalid"
	}
	return "valid"
}
