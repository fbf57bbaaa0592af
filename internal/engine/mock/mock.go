// Package mock provides an in-memory mock implementation of [engine.Engine]
// for use in unit tests.
//
// The mock records every method call and allows the test to configure return
// values via exported fields. It is safe for concurrent use.
//
// Example:
//
//	e := &mock.Engine{
//	    HandleResult: &engine.Turn{
//	        UserText:  "tell me about the weather",
//	        ReplyText: "It looks sunny where you are.",
//	    },
//	}
//	t, err := e.HandleCutoff(ctx, cut)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cadenza-voice/cadenza/internal/engine"
	"github.com/cadenza-voice/cadenza/internal/turn"
	"github.com/cadenza-voice/cadenza/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ engine.Engine = (*Engine)(nil)

// SetToolsCall records the arguments of a single [Engine.SetTools] call.
type SetToolsCall struct {
	// Tools is the tool list passed to SetTools.
	Tools []llm.ToolDefinition
}

// Engine is a mock implementation of [engine.Engine].
// All exported *Result and *Error fields control return values.
// All exported *Calls fields accumulate invocation records.
type Engine struct {
	mu sync.Mutex

	// HandleResult is returned by [Engine.HandleCutoff] (may be nil).
	HandleResult *engine.Turn

	// HandleError is the error returned by [Engine.HandleCutoff].
	HandleError error

	// HandleDelay, when non-zero, makes HandleCutoff block for the given
	// duration or until ctx is cancelled, whichever comes first. Use it to
	// simulate a slow reply and exercise barge-in.
	HandleDelay time.Duration

	// HandleFunc, when set, is invoked instead of the Result/Error fields
	// after the call is recorded. HandleDelay still applies first.
	HandleFunc func(ctx context.Context, cut *turn.Cutoff) (*engine.Turn, error)

	// SetToolsError is returned by [Engine.SetTools].
	SetToolsError error

	// CloseError is returned by [Engine.Close].
	CloseError error

	// HandleCalls records all HandleCutoff invocations.
	HandleCalls []*turn.Cutoff

	// SetToolsCalls records all SetTools invocations.
	SetToolsCalls []SetToolsCall

	// CallCountOnToolCall records how many times OnToolCall was called.
	CallCountOnToolCall int

	// ToolCallHandlers holds all handlers registered via OnToolCall in
	// registration order.
	ToolCallHandlers []func(name string, args string) (string, error)

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// HandleCutoff implements [engine.Engine].
func (e *Engine) HandleCutoff(ctx context.Context, cut *turn.Cutoff) (*engine.Turn, error) {
	e.mu.Lock()
	e.HandleCalls = append(e.HandleCalls, cut)
	delay := e.HandleDelay
	fn := e.HandleFunc
	result, err := e.HandleResult, e.HandleError
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if fn != nil {
		return fn(ctx, cut)
	}
	return result, err
}

// SetTools implements [engine.Engine].
func (e *Engine) SetTools(tools []llm.ToolDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SetToolsCalls = append(e.SetToolsCalls, SetToolsCall{Tools: tools})
	return e.SetToolsError
}

// OnToolCall implements [engine.Engine]. Appends handler to ToolCallHandlers.
func (e *Engine) OnToolCall(handler func(name string, args string) (string, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountOnToolCall++
	e.ToolCallHandlers = append(e.ToolCallHandlers, handler)
}

// Close implements [engine.Engine]. Returns CloseError.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountClose++
	return e.CloseError
}

// Handled returns how many cutoffs the mock has received so far.
func (e *Engine) Handled() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.HandleCalls)
}

// InvokeToolCall calls the most recently registered tool-call handler with
// name and args. Use this in tests to simulate the LLM issuing a tool call.
func (e *Engine) InvokeToolCall(name, args string) (string, error) {
	e.mu.Lock()
	var h func(string, string) (string, error)
	if n := len(e.ToolCallHandlers); n > 0 {
		h = e.ToolCallHandlers[n-1]
	}
	e.mu.Unlock()

	if h == nil {
		return "", nil
	}
	return h(name, args)
}
