package launcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/caffeineduck/capsule/hostfn"
	"github.com/caffeineduck/capsule/launcher"
)

// ==== VERSION ====

func TestGetVersionDirect(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{Version: "3.1.4"})
	f := mustLaunch(t, l)

	v, err := f.GetVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "3.1.4" {
		t.Errorf("version = %q, want 3.1.4", v)
	}
}

func TestGetVersionGlobalFallback(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{VersionGlobal: "0.9.0"})
	f := mustLaunch(t, l)

	v, err := f.GetVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "0.9.0" {
		t.Errorf("version = %q, want 0.9.0", v)
	}
}

func TestGetVersionPrefersDirect(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{Version: "2.0.0", VersionGlobal: "1.0.0"})
	f := mustLaunch(t, l)

	v, err := f.GetVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "2.0.0" {
		t.Errorf("version = %q, want the direct export's 2.0.0", v)
	}
}

func TestGetVersionUnsupported(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{})
	f := mustLaunch(t, l)

	_, err := f.GetVersion(context.Background())
	if !errors.Is(err, launcher.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	if !strings.Contains(err.Error(), "get_version") {
		t.Errorf("err %q does not name the operation", err)
	}
}

// ==== PROPERTIES ====

func TestGetPropertiesGlobalFallback(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{PropertiesGlobal: `{"legacy":"true"}`})
	f := mustLaunch(t, l)

	props, err := f.GetProperties(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if props["legacy"] != "true" {
		t.Errorf("props = %v, want legacy=true", props)
	}
}

func TestGetPropertiesUnsupported(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{})
	f := mustLaunch(t, l)

	_, err := f.GetProperties(context.Background())
	if !errors.Is(err, launcher.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	if !strings.Contains(err.Error(), "get_properties") {
		t.Errorf("err %q does not name the operation", err)
	}
}

// ==== ATTRIBUTES ====

func TestGetAttributeRichForm(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{RichAttrs: true})
	f := mustLaunch(t, l)

	attr := launcher.Attribute{Name: "Min-Runtime-Version", Kind: "string", Default: "1.0"}
	val, err := f.GetAttribute(context.Background(), attr)
	if err != nil {
		t.Fatal(err)
	}

	// The guest echoes the payload, so the decoded value shows which form
	// crossed the boundary.
	got, ok := val.(map[string]any)
	if !ok {
		t.Fatalf("value = %T %v, want object", val, val)
	}
	if got["name"] != "Min-Runtime-Version" || got["kind"] != "string" {
		t.Errorf("rich payload = %v", got)
	}
}

func TestGetAttributePairFallback(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{PairAttrs: true})
	f := mustLaunch(t, l)

	attr := launcher.Attribute{Name: "Min-Runtime-Version", Kind: "string", Default: "1.0"}
	val, err := f.GetAttribute(context.Background(), attr)
	if err != nil {
		t.Fatal(err)
	}

	got, ok := val.(map[string]any)
	if !ok {
		t.Fatalf("value = %T %v, want object", val, val)
	}
	if got["key"] != "Min-Runtime-Version" || got["value"] != "1.0" {
		t.Errorf("pair payload = %v", got)
	}
	if _, ok := got["name"]; ok {
		t.Errorf("pair payload carries the rich form: %v", got)
	}
}

func TestGetAttributeUnsupported(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{})
	f := mustLaunch(t, l)

	_, err := f.GetAttribute(context.Background(), launcher.Attribute{Name: "Anything"})
	if !errors.Is(err, launcher.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	if !strings.Contains(err.Error(), "get_attribute") {
		t.Errorf("err %q does not name the operation", err)
	}
}

func TestHasAttribute(t *testing.T) {
	rich := mustLaunch(t, openGuest(t, launcher.GuestConfig{RichAttrs: true}))
	pair := mustLaunch(t, openGuest(t, launcher.GuestConfig{PairAttrs: true}))
	bare := mustLaunch(t, openGuest(t, launcher.GuestConfig{}))

	attr := launcher.Attribute{Name: "Runtime-Args"}

	if ok, err := rich.HasAttribute(context.Background(), attr); err != nil || !ok {
		t.Errorf("rich form: ok=%v err=%v", ok, err)
	}
	if ok, err := pair.HasAttribute(context.Background(), attr); err != nil || !ok {
		t.Errorf("pair fallback: ok=%v err=%v", ok, err)
	}
	_, err := bare.HasAttribute(context.Background(), attr)
	if !errors.Is(err, launcher.ErrUnsupported) {
		t.Errorf("bare guest err = %v, want ErrUnsupported", err)
	}
}

// ==== MODULE OPERATIONS ====

func TestCallEcho(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{})
	f := mustLaunch(t, l)

	payload := []byte(`{"anything":"goes"}`)
	out, err := f.Call(context.Background(), "echo", payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(payload) {
		t.Errorf("echo = %q, want %q", out, payload)
	}
}

func TestCallUnknownOperation(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{})
	f := mustLaunch(t, l)

	_, err := f.Call(context.Background(), "frobnicate", nil)
	if !errors.Is(err, launcher.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	if !strings.Contains(err.Error(), "frobnicate") {
		t.Errorf("err %q does not name the operation", err)
	}
}

func TestCallGuestFailurePassesThrough(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{FailOp: true})
	f := mustLaunch(t, l)

	_, err := f.Call(context.Background(), "fail", nil)
	if err == nil {
		t.Fatal("call succeeded, want guest trap")
	}
	// The guest's own failure must not be reshaped into loader taxonomy.
	if errors.Is(err, launcher.ErrUnsupported) || errors.Is(err, launcher.ErrLoad) {
		t.Errorf("guest failure got wrapped: %v", err)
	}
	if !strings.Contains(err.Error(), "unreachable") {
		t.Errorf("err %q does not carry the trap", err)
	}
}

// ==== EQUALITY ====

func TestEqualIdentity(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{})
	f := mustLaunch(t, l)

	if !f.Equal(context.Background(), f) {
		t.Error("facade does not equal itself")
	}
	if f.Equal(context.Background(), nil) {
		t.Error("facade equals nil")
	}
}

func TestEqualDelegatesToInstance(t *testing.T) {
	always := openGuest(t, launcher.GuestConfig{Equals: 1})
	fa := mustLaunch(t, always)
	fb := mustLaunch(t, always)
	if !fa.Equal(context.Background(), fb) {
		t.Error("always-equal instance reported not-equal")
	}

	never := openGuest(t, launcher.GuestConfig{Equals: -1})
	fc := mustLaunch(t, never)
	fd := mustLaunch(t, never)
	if fc.Equal(context.Background(), fd) {
		t.Error("never-equal instance reported equal")
	}
}

func TestEqualWithoutExport(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{})
	fa := mustLaunch(t, l)
	fb := mustLaunch(t, l)

	if fa.Equal(context.Background(), fb) {
		t.Error("distinct instances with no equals export reported equal")
	}
}

func TestInstanceIDsDistinct(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{})
	fa := mustLaunch(t, l)
	fb := mustLaunch(t, l)

	if fa.InstanceID() == "" || fa.InstanceID() == fb.InstanceID() {
		t.Errorf("instance ids = %q, %q", fa.InstanceID(), fb.InstanceID())
	}
}

// ==== HOST CALLS ====

func TestHostCallRoundTrip(t *testing.T) {
	registry := hostfn.NewRegistry()
	registry.Register("greet", func(_ context.Context, args map[string]any) (any, error) {
		name, _ := args["name"].(string)
		return map[string]any{"greeting": "hello " + name}, nil
	})

	l := openGuest(t, launcher.GuestConfig{HostCall: true}, launcher.WithFunctions(registry))
	f := mustLaunch(t, l)

	req, err := json.Marshal(hostfn.CallRequest{Fn: "greet", Args: map[string]any{"name": "world"}})
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.Call(context.Background(), "host_echo", req)
	if err != nil {
		t.Fatal(err)
	}

	var resp hostfn.CallResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("decode response %q: %v", out, err)
	}
	if resp.Error != "" {
		t.Fatalf("response error = %q", resp.Error)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok || data["greeting"] != "hello world" {
		t.Errorf("response data = %v", resp.Data)
	}
}

func TestHostCallUnknownFunction(t *testing.T) {
	l := openGuest(t, launcher.GuestConfig{HostCall: true})
	f := mustLaunch(t, l)

	req, err := json.Marshal(hostfn.CallRequest{Fn: "nope"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.Call(context.Background(), "host_echo", req)
	if err != nil {
		t.Fatal(err)
	}

	var resp hostfn.CallResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Error, "unknown function: nope") {
		t.Errorf("response error = %q", resp.Error)
	}
}
