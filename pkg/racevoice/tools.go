package racevoice

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ToolRegistry owns the named tool handlers and the lifecycle of in-flight
// invocations. Responses are matched to calls by ID, never by order, since
// several calls may run within one upstream turn.
type ToolRegistry struct {
	mu       sync.Mutex
	handlers map[string]ToolHandler
	inflight map[string]*ToolInvocation

	arbiter *Arbiter
	respond func(env *Envelope)
	replay  func(msgs []*OutboundMessage)
	logger  *Logger
	events  *EventLog
}

func NewToolRegistry(arbiter *Arbiter, logger *Logger, events *EventLog) *ToolRegistry {
	return &ToolRegistry{
		handlers: make(map[string]ToolHandler),
		inflight: make(map[string]*ToolInvocation),
		arbiter:  arbiter,
		logger:   logger.WithComponent("tools"),
		events:   events,
	}
}

// Bind wires the registry to the session's transmit and replay paths.
func (tr *ToolRegistry) Bind(respond func(env *Envelope), replay func(msgs []*OutboundMessage)) {
	tr.respond = respond
	tr.replay = replay
}

// Register installs a handler for a tool name, replacing any previous one.
func (tr *ToolRegistry) Register(name string, handler ToolHandler) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.handlers[name] = handler
}

// Inflight returns the currently tracked invocations.
func (tr *ToolRegistry) Inflight() []*ToolInvocation {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]*ToolInvocation, 0, len(tr.inflight))
	for _, inv := range tr.inflight {
		out = append(out, inv)
	}
	return out
}

// AbandonAll drops every tracked invocation; called after a watchdog-forced
// release. Late results from abandoned handlers are discarded.
func (tr *ToolRegistry) AbandonAll() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for id := range tr.inflight {
		delete(tr.inflight, id)
	}
}

// Dispatch runs one tool call. The gate is held for the duration of the
// handler; a structured failure response is sent on error or panic so the
// conversation can always continue, and release happens on every path.
func (tr *ToolRegistry) Dispatch(call *ToolCallPayload) {
	inv := &ToolInvocation{
		ID:        call.ID,
		Name:      call.Name,
		Args:      call.Args,
		StartedAt: time.Now(),
	}

	tr.mu.Lock()
	handler, known := tr.handlers[call.Name]
	tr.inflight[call.ID] = inv
	tr.mu.Unlock()

	tr.arbiter.Lock()

	go func() {
		var result json.RawMessage
		var errMsg string

		defer func() {
			if r := recover(); r != nil {
				errMsg = fmt.Sprintf("tool handler panicked: %v", r)
			}
			tr.finish(inv, result, errMsg)
		}()

		if !known {
			errMsg = fmt.Sprintf("unknown tool %q", call.Name)
			return
		}
		res, err := handler(call.Args)
		if err != nil {
			errMsg = err.Error()
			return
		}
		result = res
	}()
}

func (tr *ToolRegistry) finish(inv *ToolInvocation, result json.RawMessage, errMsg string) {
	tr.mu.Lock()
	_, tracked := tr.inflight[inv.ID]
	delete(tr.inflight, inv.ID)
	tr.mu.Unlock()

	if !tracked {
		// Watchdog already abandoned this invocation; its result is stale.
		tr.logger.Warn().Str("tool", inv.Name).Str("id", inv.ID).Msg("discarding late tool result")
		tr.arbiter.Unlock()
		return
	}

	if errMsg != "" {
		tr.logger.Error().Str("tool", inv.Name).Str("id", inv.ID).Str("error", errMsg).Msg("tool call failed")
		tr.events.Record(LogKindError, MsgToolResponse, CategoryToolResponse, errMsg)
	} else {
		tr.events.Record(LogKindTool, MsgToolResponse, CategoryToolResponse, inv.Name)
	}

	if tr.respond != nil {
		tr.respond(NewToolResponseEnvelope(inv.ID, inv.Name, result, errMsg))
	}

	replayMsgs := tr.arbiter.Unlock()
	if len(replayMsgs) > 0 && tr.replay != nil {
		tr.replay(replayMsgs)
	}
}
