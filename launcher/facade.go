package launcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero/api"
)

// Attribute describes a named capsule attribute in its rich form.
type Attribute struct {
	Name    string `json:"name"`
	Kind    string `json:"kind,omitempty"`
	Default any    `json:"default,omitempty"`
}

// Pair is the legacy key/value form of an attribute, consumed by capsule
// revisions that predate the rich form.
type Pair struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Pair converts the attribute to its legacy form, keeping the name and the
// default and dropping the kind.
func (a Attribute) Pair() Pair {
	return Pair{Key: a.Name, Value: a.Default}
}

// Facade wraps one capsule instance behind a fixed operation surface.
// Every operation dispatches to the instance's own export when it exists
// and falls back to the access path older capsule revisions expose:
// version and properties to exported globals, attribute lookups to the
// pair-form exports. Operations with no surviving path fail with
// ErrUnsupported naming the operation; failures raised by the instance
// itself pass through unwrapped.
type Facade struct {
	mod   api.Module
	entry EntryPoint
	id    string
	log   zerolog.Logger
	table map[string]resolution
}

// Operation names, as reported by ErrUnsupported.
const (
	opGetVersion    = "get_version"
	opGetProperties = "get_properties"
	opGetAttribute  = "get_attribute"
	opHasAttribute  = "has_attribute"
	opEquals        = "equals"
)

type dispatchKind int

const (
	dispatchDirect dispatchKind = iota
	dispatchPair
	dispatchGlobal
)

// A dispatchStep is one way to serve an operation. Steps are resolved once
// at construction and tried in table order at call time.
type dispatchStep struct {
	kind dispatchKind
	fn   api.Function
	gbl  api.Global
}

type resolution []dispatchStep

// newFacade resolves the dispatch table against the instance's exports.
// Exports with the wrong shape count as absent, the same as no export at
// all.
func newFacade(mod api.Module, entry EntryPoint, log zerolog.Logger) *Facade {
	f := &Facade{
		mod:   mod,
		entry: entry,
		id:    uuid.NewString(),
		log:   log,
		table: make(map[string]resolution),
	}
	f.bind(opGetVersion, f.directStep(fnGetVersion, nil, oneI64), f.globalStep(globalVersion))
	f.bind(opGetProperties, f.directStep(fnGetProperties, nil, oneI64), f.globalStep(globalProperties))
	f.bind(opGetAttribute, f.directStep(fnGetAttribute, paramsPayload, oneI64), f.pairStep(fnGetAttributeEntry, oneI64))
	f.bind(opHasAttribute, f.directStep(fnHasAttribute, paramsPayload, oneI32), f.pairStep(fnHasAttributeEntry, oneI32))
	f.bind(opEquals, f.directStep(fnEquals, paramsPayload, oneI32))
	return f
}

func (f *Facade) bind(op string, steps ...dispatchStep) {
	var r resolution
	for _, s := range steps {
		if s.fn != nil || s.gbl != nil {
			r = append(r, s)
		}
	}
	f.table[op] = r
}

func (f *Facade) directStep(name string, params, results []api.ValueType) dispatchStep {
	fn := f.mod.ExportedFunction(name)
	if fn == nil || !sigMatches(fn, params, results) {
		return dispatchStep{}
	}
	return dispatchStep{kind: dispatchDirect, fn: fn}
}

func (f *Facade) pairStep(name string, results []api.ValueType) dispatchStep {
	fn := f.mod.ExportedFunction(name)
	if fn == nil || !sigMatches(fn, paramsPayload, results) {
		return dispatchStep{}
	}
	return dispatchStep{kind: dispatchPair, fn: fn}
}

func (f *Facade) globalStep(name string) dispatchStep {
	g := f.mod.ExportedGlobal(name)
	if g == nil || g.Type() != api.ValueTypeI64 {
		return dispatchStep{}
	}
	return dispatchStep{kind: dispatchGlobal, gbl: g}
}

// dispatch walks the operation's resolution in order and returns the raw
// result of the first step that exists. payload feeds direct steps,
// pairPayload the legacy pair steps. Errors from the instance are returned
// as-is.
func (f *Facade) dispatch(ctx context.Context, op string, payload, pairPayload []byte) (uint64, error) {
	for _, step := range f.table[op] {
		switch step.kind {
		case dispatchDirect, dispatchPair:
			data := payload
			if step.kind == dispatchPair {
				data = pairPayload
				f.log.Debug().Str("op", op).Msg("dispatching via pair fallback")
			}
			var args []uint64
			if len(step.fn.Definition().ParamTypes()) == 2 {
				ptr, size, err := writeGuest(ctx, f.mod, data)
				if err != nil {
					return 0, err
				}
				args = []uint64{uint64(ptr), uint64(size)}
			}
			res, err := step.fn.Call(ctx, args...)
			if err != nil {
				return 0, err
			}
			return res[0], nil
		case dispatchGlobal:
			f.log.Debug().Str("op", op).Msg("dispatching via global fallback")
			return step.gbl.Get(), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupported, op)
}

// InstanceID returns the launcher-assigned token identifying this
// instance. The token is what other instances see in equality checks.
func (f *Facade) InstanceID() string { return f.id }

// Entry returns the entry point the facade dispatches against.
func (f *Facade) Entry() EntryPoint { return f.entry }

// GetVersion reports the capsule's version. Instances predating the
// version export are served from their VERSION global.
func (f *Facade) GetVersion(ctx context.Context) (string, error) {
	v, err := f.dispatch(ctx, opGetVersion, nil, nil)
	if err != nil {
		return "", err
	}
	out, err := readGuest(f.mod, v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// GetProperties reports the instance's property view. Instances predating
// the properties export are served from their PROPERTIES global. A packed
// zero means no view, reported as an empty map.
func (f *Facade) GetProperties(ctx context.Context) (map[string]string, error) {
	v, err := f.dispatch(ctx, opGetProperties, nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := readGuest(f.mod, v)
	if err != nil {
		return nil, err
	}
	props := make(map[string]string)
	if len(out) > 0 {
		if err := json.Unmarshal(out, &props); err != nil {
			return nil, fmt.Errorf("decode properties: %w", err)
		}
	}
	return props, nil
}

// GetAttribute asks the instance for an attribute value. Instances that
// only understand the legacy pair form get the attribute converted; the
// result decodes the same either way. A missing value is (nil, nil).
func (f *Facade) GetAttribute(ctx context.Context, attr Attribute) (any, error) {
	payload, pairPayload, err := attrPayloads(attr)
	if err != nil {
		return nil, err
	}
	v, err := f.dispatch(ctx, opGetAttribute, payload, pairPayload)
	if err != nil {
		return nil, err
	}
	out, err := readGuest(f.mod, v)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	var val any
	if err := json.Unmarshal(out, &val); err != nil {
		return nil, fmt.Errorf("decode attribute %s: %w", attr.Name, err)
	}
	return val, nil
}

// HasAttribute reports whether the instance defines the attribute, using
// the same fallback as GetAttribute.
func (f *Facade) HasAttribute(ctx context.Context, attr Attribute) (bool, error) {
	payload, pairPayload, err := attrPayloads(attr)
	if err != nil {
		return false, err
	}
	v, err := f.dispatch(ctx, opHasAttribute, payload, pairPayload)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func attrPayloads(attr Attribute) (payload, pairPayload []byte, err error) {
	payload, err = json.Marshal(attr)
	if err != nil {
		return nil, nil, fmt.Errorf("encode attribute %s: %w", attr.Name, err)
	}
	pairPayload, err = json.Marshal(attr.Pair())
	if err != nil {
		return nil, nil, fmt.Errorf("encode attribute %s: %w", attr.Name, err)
	}
	return payload, pairPayload, nil
}

// Call dispatches an operation specific to this capsule. The export is
// resolved as capsule_<op> taking one payload and returning one packed
// result; module-specific operations have no fallback path. Failures
// raised by the instance pass through unwrapped.
func (f *Facade) Call(ctx context.Context, op string, payload []byte) ([]byte, error) {
	fn := f.mod.ExportedFunction(fnPrefix + op)
	if fn == nil || !sigMatches(fn, paramsPayload, oneI64) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, op)
	}
	ptr, size, err := writeGuest(ctx, f.mod, payload)
	if err != nil {
		return nil, err
	}
	res, err := fn.Call(ctx, uint64(ptr), uint64(size))
	if err != nil {
		return nil, err
	}
	return readGuest(f.mod, res[0])
}

// Equal reports whether the instance considers other equal to itself. A
// facade never equals nil, always equals itself, and otherwise delegates
// to the instance with the other's token; a missing equals export or a
// failed call is simply not-equal, never an error.
func (f *Facade) Equal(ctx context.Context, other *Facade) bool {
	if other == nil {
		return false
	}
	if other == f {
		return true
	}
	token := []byte(other.id)
	v, err := f.dispatch(ctx, opEquals, token, token)
	if err != nil {
		return false
	}
	return v != 0
}

// Close releases the instance. The facade must not be used afterwards.
func (f *Facade) Close(ctx context.Context) error {
	return f.mod.Close(ctx)
}
