package hostfn

import (
	"context"
	"encoding/json"
)

// CallRequest is the JSON document a guest passes to capsule.call.
type CallRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

// CallResponse is the JSON document written back into guest memory.
type CallResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Dispatch decodes one request and runs it against the registry. Failures
// are reported in-band so a guest always receives a response it can parse.
func Dispatch(ctx context.Context, r *Registry, raw []byte) CallResponse {
	var req CallRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return CallResponse{Error: "invalid call format"}
	}

	fn, ok := r.Get(req.Fn)
	if !ok {
		return CallResponse{Error: "unknown function: " + req.Fn}
	}

	result, err := fn(ctx, req.Args)
	if err != nil {
		return CallResponse{Error: err.Error()}
	}
	return CallResponse{Data: result}
}
