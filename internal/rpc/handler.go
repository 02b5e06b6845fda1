package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
)

// HandlerFunc serves one request method. The returned value is JSON encoded as the result.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// HandlerRegistry maps method names to handlers. It is populated once at startup and
// read-only afterwards.
type HandlerRegistry struct {
	handlers map[string]HandlerFunc
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a handler. It panics on an empty or duplicate name, as both are wiring bugs.
func (r *HandlerRegistry) Register(method string, h HandlerFunc) {
	if method == "" || h == nil {
		panic("rpc: Register requires a method name and handler")
	}
	if _, dup := r.handlers[method]; dup {
		panic(fmt.Sprintf("rpc: duplicate handler for %q", method))
	}
	r.handlers[method] = h
}

// Methods lists the registered method names in sorted order.
func (r *HandlerRegistry) Methods() []string {
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler for a request and builds the response frame. Handler errors and
// panics become an ErrorChain; the response never carries both a result and an error.
func (r *HandlerRegistry) Dispatch(ctx context.Context, req Envelope) Envelope {
	resp := Envelope{Kind: KindResponse, TransactionID: req.TransactionID}

	h, ok := r.handlers[req.Method]
	if !ok {
		resp.Error = &ErrorChain{Message: fmt.Sprintf("unknown method %q", req.Method)}
		return resp
	}

	result, err := invokeHandler(ctx, h, req.Payload)
	if err != nil {
		resp.Error = chainFor(err)
		return resp
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		resp.Error = NewErrorChain(fmt.Errorf("encode %s result: %w", req.Method, err))
		return resp
	}
	resp.Result = encoded
	return resp
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}

func invokeHandler(ctx context.Context, h HandlerFunc, payload json.RawMessage) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &panicError{value: v, stack: string(debug.Stack())}
		}
	}()
	return h(ctx, payload)
}

func chainFor(err error) *ErrorChain {
	chain := NewErrorChain(err)
	if p, ok := err.(*panicError); ok {
		chain.StackInfo = p.stack
	}
	return chain
}

// Handle adapts a typed function into a HandlerFunc that decodes the payload into Req.
func Handle[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		return fn(ctx, req)
	}
}
