package workflow

import (
	"errors"
	"testing"
)

type fakeHydrator struct {
	loaded map[string]any
	err    error
}

func (h *fakeHydrator) Load(modelTypeTag string, id any) (any, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.loaded[modelTypeTag], nil
}

func (h *fakeHydrator) Serialize(modelTypeTag string, model any) (any, error) {
	if h.err != nil {
		return nil, h.err
	}
	return map[string]any{"serialized": model}, nil
}

func TestHydrateParamState(t *testing.T) {
	state := State{"x": 1}
	argv, err := Hydrate(ArgManifest{{Name: "state", Kind: ParamState}}, state, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(argv) != 1 {
		t.Fatalf("expected one arg, got %d", len(argv))
	}
	got, ok := argv[0].(State)
	if !ok || got["x"] != 1 {
		t.Fatalf("expected the whole state injected, got %#v", argv[0])
	}
}

func TestHydrateParamValueDefault(t *testing.T) {
	argv, err := Hydrate(ArgManifest{{Name: "missing", Kind: ParamValue, Default: "fallback"}}, State{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if argv[0] != "fallback" {
		t.Fatalf("expected default value, got %#v", argv[0])
	}
}

func TestHydrateParamValueRequiredMissing(t *testing.T) {
	_, err := Hydrate(ArgManifest{{Name: "missing", Kind: ParamValue, Required: true}}, State{}, nil)
	if err == nil {
		t.Fatal("expected error for required missing value")
	}
}

func TestHydrateParamDomainModel(t *testing.T) {
	hyd := &fakeHydrator{loaded: map[string]any{"account": "loaded-account"}}
	state := State{"account": "id-1"}
	argv, err := Hydrate(ArgManifest{{Name: "account", Kind: ParamDomainModel, ModelTypeTag: "account", Required: true}}, state, hyd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if argv[0] != "loaded-account" {
		t.Fatalf("expected hydrated model, got %#v", argv[0])
	}
}

func TestHydrateParamDomainModelMissingNoHydrator(t *testing.T) {
	state := State{"account": "id-1"}
	_, err := Hydrate(ArgManifest{{Name: "account", Kind: ParamDomainModel, ModelTypeTag: "account", Required: true}}, state, nil)
	if err == nil {
		t.Fatal("expected error when a domain-model parameter has no hydrator")
	}
}

func TestHydrateParamDomainModelRequiredMissingKey(t *testing.T) {
	_, err := Hydrate(ArgManifest{{Name: "account", Kind: ParamDomainModel, Required: true}}, State{}, &fakeHydrator{})
	if err == nil {
		t.Fatal("expected error for missing required domain-model key")
	}
}

func TestMergeReturnNilIsNoop(t *testing.T) {
	state := State{"a": 1}
	merged, err := MergeReturn(state, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, _ := merged.Get("a"); v != 1 {
		t.Fatal("merging a nil return must leave state untouched")
	}
}

func TestMergeReturnSerializesDomainKeys(t *testing.T) {
	hyd := &fakeHydrator{}
	merged, err := MergeReturn(State{}, map[string]any{"account": "raw-account"}, map[string]string{"account": "account"}, hyd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, _ := merged.Get("account")
	serialized, ok := v.(map[string]any)
	if !ok || serialized["serialized"] != "raw-account" {
		t.Fatalf("expected serialized domain model, got %#v", v)
	}
}

func TestMergeReturnPropagatesSerializeError(t *testing.T) {
	hyd := &fakeHydrator{err: errors.New("serialize boom")}
	_, err := MergeReturn(State{}, map[string]any{"account": "raw"}, map[string]string{"account": "account"}, hyd)
	if err == nil {
		t.Fatal("expected serialize error to propagate")
	}
}

func TestMergeReturnPlainKeysPassThrough(t *testing.T) {
	merged, err := MergeReturn(State{"keep": true}, map[string]any{"new": 1}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, _ := merged.Get("keep"); v != true {
		t.Fatal("pre-existing keys should survive a merge")
	}
	if v, _ := merged.Get("new"); v != 1 {
		t.Fatal("new returned keys should be merged in")
	}
}
