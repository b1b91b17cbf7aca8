package httpx

import "strings"

// maxTraceStateMembers is the W3C limit on tracestate list members.
const maxTraceStateMembers = 32

type traceStateMember struct {
	key   string
	value string
}

// TraceStateBuilder edits a W3C tracestate value. Members are kept most
// recent first; invalid and duplicate members are dropped when parsing and
// the list never grows beyond 32 members.
type TraceStateBuilder struct {
	members []traceStateMember
}

// NewTraceStateBuilder parses an existing tracestate value.
func NewTraceStateBuilder(v string) *TraceStateBuilder {
	b := &TraceStateBuilder{}
	for part := range strings.SplitSeq(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		val = strings.TrimSpace(val)
		if !validTSKey(k) || !validTSValue(val) || b.index(k) >= 0 {
			continue
		}
		if len(b.members) == maxTraceStateMembers {
			break
		}
		b.members = append(b.members, traceStateMember{k, val})
	}
	return b
}

// Set inserts or updates key and moves it to the front. When the list is
// full the oldest member is evicted. It reports false for an invalid key or
// value.
func (b *TraceStateBuilder) Set(key, value string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	v := strings.TrimSpace(value)
	if !validTSKey(k) || !validTSValue(v) {
		return false
	}
	if i := b.index(k); i >= 0 {
		b.members = append(b.members[:i], b.members[i+1:]...)
	}
	if len(b.members) == maxTraceStateMembers {
		b.members = b.members[:maxTraceStateMembers-1]
	}
	b.members = append([]traceStateMember{{k, v}}, b.members...)
	return true
}

// Len returns the number of members.
func (b *TraceStateBuilder) Len() int { return len(b.members) }

func (b *TraceStateBuilder) index(k string) int {
	for i, m := range b.members {
		if m.key == k {
			return i
		}
	}
	return -1
}

// String renders the tracestate.
func (b *TraceStateBuilder) String() string {
	var sb strings.Builder
	for i, m := range b.members {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(m.key)
		sb.WriteByte('=')
		sb.WriteString(m.value)
	}
	return sb.String()
}

// validTSKey accepts key or tenant@system made of a-z 0-9 _ - * / and ".".
func validTSKey(k string) bool {
	if k == "" || len(k) > 256 {
		return false
	}
	tenant, system, multi := strings.Cut(k, "@")
	if multi && strings.Contains(system, "@") {
		return false
	}
	for _, p := range []string{tenant, system} {
		if multi && p == "" {
			return false
		}
		for i := 0; i < len(p); i++ {
			c := p[i]
			if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '*' || c == '/' || c == '.' {
				continue
			}
			return false
		}
	}
	return true
}

// validTSValue accepts printable ASCII without "," and "=", at most 256 bytes.
func validTSValue(v string) bool {
	if v == "" || len(v) > 256 {
		return false
	}
	for i := 0; i < len(v); i++ {
		if c := v[i]; c < 0x20 || c > 0x7e || c == ',' || c == '=' {
			return false
		}
	}
	return true
}
