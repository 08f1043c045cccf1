package proxy

import "net/http"

// HookResult is what a RequestHook returns after inspecting an
// already-allowed request.
type HookResult struct {
	// Block, when true, short-circuits to a 403 with Reason, audited
	// identically to a policy denial.
	Block  bool
	Reason string

	// Mock, when non-nil, is written back to the client without an
	// upstream call.
	Mock *http.Response

	// HeaderMutations is applied to the upstream request's headers before
	// forwarding.
	HeaderMutations map[string]string
}

// RequestHook runs after policy evaluation and before upstream forwarding.
type RequestHook interface {
	OnRequest(req *http.Request) HookResult
}

// ResponseHook runs on the upstream response before it's relayed to the
// sandbox, and may rewrite status/headers/body.
type ResponseHook interface {
	OnResponse(resp *http.Response)
}

// RequestHookFunc adapts a function to a RequestHook.
type RequestHookFunc func(req *http.Request) HookResult

func (f RequestHookFunc) OnRequest(req *http.Request) HookResult { return f(req) }

// ResponseHookFunc adapts a function to a ResponseHook.
type ResponseHookFunc func(resp *http.Response)

func (f ResponseHookFunc) OnResponse(resp *http.Response) { f(resp) }

type noopRequestHook struct{}

func (noopRequestHook) OnRequest(*http.Request) HookResult { return HookResult{} }

type noopResponseHook struct{}

func (noopResponseHook) OnResponse(*http.Response) {}
