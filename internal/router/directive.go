package router

import (
	"strconv"
	"strings"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// maxDirectiveScan limits how far into a message we scan for a directive.
const maxDirectiveScan = 2048

// directivePrefix is the in-band marker clients may embed in message
// content as a fallback hint channel for clients that cannot easily
// attach the `omen` JSON envelope (spec §3). The JSON envelope is
// always the primary channel: MergeHint only fills fields the
// caller's hint left unset.
const directivePrefix = "@@omen"
const directiveEnd = "@@end"

// ParseDirective scans user messages in order and returns the hint
// described by the first @@omen directive found, or nil if none was found.
//
// Single-line: @@omen strategy=race budget_usd=0.05 intent=code
// Block:
//
//	@@omen
//	strategy=speculate_k
//	k=3
//	@@end
func ParseDirective(messages []omentypes.Message) *omentypes.RoutingHint {
	for _, m := range messages {
		if m.Role != omentypes.RoleUser {
			continue
		}
		content := m.Content.FlattenText()
		if len(content) > maxDirectiveScan {
			content = content[:maxDirectiveScan]
		}
		idx := strings.Index(content, directivePrefix)
		if idx < 0 {
			continue
		}

		rest := content[idx+len(directivePrefix):]
		firstLine := rest
		if nl := strings.IndexByte(firstLine, '\n'); nl >= 0 {
			firstLine = firstLine[:nl]
		}

		if strings.TrimSpace(firstLine) == "" && strings.IndexByte(rest, '\n') >= 0 {
			body := rest[strings.IndexByte(rest, '\n')+1:]
			endIdx := strings.Index(body, directiveEnd)
			if endIdx < 0 {
				continue
			}
			hint := &omentypes.RoutingHint{}
			for _, line := range strings.Split(body[:endIdx], "\n") {
				line = strings.TrimSpace(line)
				if line != "" {
					applyDirectiveKV(hint, line)
				}
			}
			return hint
		}

		line := strings.TrimSpace(firstLine)
		if line == "" {
			continue
		}
		hint := &omentypes.RoutingHint{}
		for _, part := range strings.Fields(line) {
			applyDirectiveKV(hint, part)
		}
		return hint
	}
	return nil
}

func applyDirectiveKV(h *omentypes.RoutingHint, token string) {
	key, val, found := strings.Cut(token, "=")
	if !found {
		return
	}
	switch key {
	case "strategy":
		h.Strategy = omentypes.Strategy(val)
	case "intent":
		h.Intent = omentypes.Intent(val)
	case "stickiness":
		h.Stickiness = omentypes.Stickiness(val)
	case "k":
		if i, err := strconv.Atoi(val); err == nil {
			h.K = i
		}
	case "budget_usd":
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			h.BudgetUSD = &f
		}
	case "max_latency_ms":
		if i, err := strconv.Atoi(val); err == nil {
			h.MaxLatencyMs = i
		}
	case "providers":
		h.Providers = strings.Split(val, ",")
	}
}

// MergeHint fills zero-valued fields of primary from fallback, so the
// JSON `omen` envelope always wins over an in-band directive on
// conflict, matching the "more specific, explicit channel wins" rule.
func MergeHint(primary omentypes.RoutingHint, fallback *omentypes.RoutingHint) omentypes.RoutingHint {
	if fallback == nil {
		return primary
	}
	out := primary
	if out.Strategy == "" {
		out.Strategy = fallback.Strategy
	}
	if out.Intent == "" {
		out.Intent = fallback.Intent
	}
	if out.Stickiness == "" {
		out.Stickiness = fallback.Stickiness
	}
	if out.K == 0 {
		out.K = fallback.K
	}
	if out.BudgetUSD == nil {
		out.BudgetUSD = fallback.BudgetUSD
	}
	if out.MaxLatencyMs == 0 {
		out.MaxLatencyMs = fallback.MaxLatencyMs
	}
	if len(out.Providers) == 0 {
		out.Providers = fallback.Providers
	}
	return out
}

// StripDirective removes an @@omen directive from message content
// before the request is forwarded to a provider.
func StripDirective(messages []omentypes.Message) []omentypes.Message {
	out := make([]omentypes.Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if m.Content.IsMultipart() {
			continue
		}
		content := m.Content.Text
		idx := strings.Index(content, directivePrefix)
		if idx < 0 {
			continue
		}
		rest := content[idx+len(directivePrefix):]
		firstLine := rest
		if nl := strings.IndexByte(firstLine, '\n'); nl >= 0 {
			firstLine = firstLine[:nl]
		}
		var newContent string
		if strings.TrimSpace(firstLine) == "" && strings.IndexByte(rest, '\n') >= 0 {
			body := rest[strings.IndexByte(rest, '\n')+1:]
			endIdx := strings.Index(body, directiveEnd)
			if endIdx >= 0 {
				blockEnd := idx + len(directivePrefix) + strings.IndexByte(rest, '\n') + 1 + endIdx + len(directiveEnd)
				if blockEnd < len(content) && content[blockEnd] == '\n' {
					blockEnd++
				}
				newContent = content[:idx] + content[blockEnd:]
			} else {
				newContent = strings.TrimSpace(content[:idx])
			}
		} else {
			end := strings.IndexByte(content[idx:], '\n')
			if end >= 0 {
				newContent = content[:idx] + content[idx+end+1:]
			} else {
				newContent = strings.TrimSpace(content[:idx])
			}
		}
		out[i].Content = omentypes.MessageContent{Text: newContent}
	}
	return out
}
