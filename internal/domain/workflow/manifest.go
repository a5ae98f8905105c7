package workflow

import "fmt"

// ParamKind tells the hydrator how to resolve one declared parameter.
type ParamKind string

const (
	// ParamState binds the whole State map, the special "state" parameter.
	ParamState ParamKind = "state"
	// ParamValue resolves state[Key] directly.
	ParamValue ParamKind = "value"
	// ParamDomainModel resolves state[Key] as an id (or a dict carrying one)
	// and hydrates the full domain model via a DomainHydrator.
	ParamDomainModel ParamKind = "domain_model"
)

// Param is one entry in a step's explicit argument-injection manifest,
// recorded at step construction time rather than discovered by runtime
// reflection.
type Param struct {
	Name         string
	Kind         ParamKind
	Key          string // state key to read; defaults to Name if empty
	Required     bool
	Default      any
	ModelTypeTag string // for ParamDomainModel: which hydrator to invoke
}

// ArgManifest is the ordered list of parameters a step function declares.
type ArgManifest []Param

// DomainHydrator loads a full domain-model value given an id extracted from
// state, and serializes a returned domain-model value back down for
// inclusion in the persisted state. It is the sole point of contact between
// the step algebra and the external domain-model collaborator.
type DomainHydrator interface {
	Load(modelTypeTag string, id any) (any, error)
	Serialize(modelTypeTag string, model any) (any, error)
}

// Hydrate is the pure function (manifest, state) -> argv: no reflection over
// the target function, just a lookup table built from the manifest.
func Hydrate(manifest ArgManifest, state State, hydrator DomainHydrator) ([]any, error) {
	argv := make([]any, len(manifest))
	for i, p := range manifest {
		switch p.Kind {
		case ParamState:
			argv[i] = state
		case ParamDomainModel:
			key := p.Key
			if key == "" {
				key = p.Name
			}
			raw, ok := state.Get(key)
			if !ok || raw == nil {
				if p.Required {
					return nil, fmt.Errorf("argument injection: missing domain-model key %q for parameter %q", key, p.Name)
				}
				argv[i] = p.Default
				continue
			}
			id := raw
			if m, ok := raw.(map[string]any); ok {
				if sub, ok := m[key+"_id"]; ok {
					id = sub
				}
			}
			if hydrator == nil {
				return nil, fmt.Errorf("argument injection: parameter %q requires a domain model but no hydrator is configured", p.Name)
			}
			model, err := hydrator.Load(p.ModelTypeTag, id)
			if err != nil {
				return nil, fmt.Errorf("argument injection: load domain model for parameter %q: %w", p.Name, err)
			}
			argv[i] = model
		default: // ParamValue
			key := p.Key
			if key == "" {
				key = p.Name
			}
			v, ok := state.Get(key)
			if !ok {
				if p.Required && p.Default == nil {
					return nil, fmt.Errorf("argument injection: missing key %q for parameter %q", key, p.Name)
				}
				argv[i] = p.Default
				continue
			}
			argv[i] = v
		}
	}
	return argv, nil
}

// MergeReturn shallow-merges a step's returned mapping into state, with
// returned keys overwriting. Domain-model values in ret are serialized via
// hydrator before the merge.
func MergeReturn(state State, ret map[string]any, domainKeys map[string]string, hydrator DomainHydrator) (State, error) {
	if ret == nil {
		return state, nil
	}
	out := state.Clone()
	for k, v := range ret {
		if tag, isModel := domainKeys[k]; isModel && hydrator != nil {
			serialized, err := hydrator.Serialize(tag, v)
			if err != nil {
				return state, fmt.Errorf("argument injection: serialize returned domain model %q: %w", k, err)
			}
			out[k] = serialized
			continue
		}
		out[k] = v
	}
	return out, nil
}
