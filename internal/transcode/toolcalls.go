package transcode

import "github.com/omen-gateway/omen/internal/omentypes"

// ToolCallAssembler reassembles fragmented tool-call arguments keyed by
// call id, per spec §4.5. SPEC_FULL.md's open-question decision: OMEN
// emits fragments rather than whole calls, since that is the harder
// shape to get right and every vendor's output can be expressed as a
// single fragment when it arrives whole.
type ToolCallAssembler struct {
	order []string
	names map[string]string
	args  map[string]*stringsBuilder
}

type stringsBuilder struct{ s string }

func (b *stringsBuilder) WriteString(s string) { b.s += s }
func (b *stringsBuilder) String() string        { return b.s }

// NewToolCallAssembler constructs an empty assembler.
func NewToolCallAssembler() *ToolCallAssembler {
	return &ToolCallAssembler{
		names: map[string]string{},
		args:  map[string]*stringsBuilder{},
	}
}

// Fragment records one incremental piece of a tool call's arguments and
// returns the StreamEvent to relay.
func (a *ToolCallAssembler) Fragment(id, name, argsDelta string) omentypes.StreamEvent {
	if _, ok := a.args[id]; !ok {
		a.order = append(a.order, id)
		a.args[id] = &stringsBuilder{}
	}
	if name != "" {
		a.names[id] = name
	}
	a.args[id].WriteString(argsDelta)
	idx := len(a.order) - 1
	for i, v := range a.order {
		if v == id {
			idx = i
			break
		}
	}
	return omentypes.StreamEvent{
		Kind: omentypes.EventDelta,
		ToolCallFragment: &omentypes.ToolCallFragment{
			ID:        id,
			Name:      a.names[id],
			ArgsDelta: argsDelta,
			Index:     idx,
		},
	}
}

// Completed returns the fully assembled ToolCall values in the order
// their ids were first seen, for callers that need the whole-call view
// (e.g. the non-streaming Send path).
func (a *ToolCallAssembler) Completed() []omentypes.ToolCall {
	out := make([]omentypes.ToolCall, 0, len(a.order))
	for _, id := range a.order {
		tc := omentypes.ToolCall{ID: id, Type: "function"}
		tc.Function.Name = a.names[id]
		tc.Function.Arguments = a.args[id].String()
		out = append(out, tc)
	}
	return out
}
