package realtime

import (
	"strings"

	"github.com/adamd9/delegate1/pkg/bridge/tools"
	"github.com/adamd9/delegate1/pkg/bridge/upstream"
)

// callAccumulator assembles tool calls from streamed argument fragments,
// correlated by call_id. Concatenation order is arrival order.
type callAccumulator struct {
	pending map[string]*pendingCall
}

type pendingCall struct {
	name string
	args strings.Builder
}

func newCallAccumulator() *callAccumulator {
	return &callAccumulator{pending: make(map[string]*pendingCall)}
}

func (a *callAccumulator) applyDelta(ev upstream.ToolCallDelta) {
	pc, ok := a.pending[ev.CallID]
	if !ok {
		pc = &pendingCall{}
		a.pending[ev.CallID] = pc
	}
	if pc.name == "" && ev.Name != "" {
		pc.name = ev.Name
	}
	pc.args.WriteString(ev.Delta)
}

// complete finishes the call. The done event's arguments are authoritative
// when present; otherwise the accumulated fragments are used.
func (a *callAccumulator) complete(ev upstream.ToolCallDone) tools.Call {
	call := tools.Call{ID: ev.CallID, Name: ev.Name, Arguments: ev.Arguments}
	if pc, ok := a.pending[ev.CallID]; ok {
		if call.Name == "" {
			call.Name = pc.name
		}
		if call.Arguments == "" {
			call.Arguments = pc.args.String()
		}
		delete(a.pending, ev.CallID)
	}
	return call
}
