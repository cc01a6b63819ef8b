package ids

import (
	"strings"
	"testing"
)

func TestNewFormat(t *testing.T) {
	tests := []struct {
		name   string
		mint   func() string
		prefix string
	}{
		{"conversation", NewConversationID, "conv_"},
		{"trace", NewTraceID, "trace_"},
		{"message", NewMessageID, "msg_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.mint()
			if !strings.HasPrefix(id, tt.prefix) {
				t.Fatalf("id %q missing prefix %q", id, tt.prefix)
			}
			suffix := strings.TrimPrefix(id, tt.prefix)
			if len(suffix) != suffixLength {
				t.Fatalf("suffix %q has length %d, want %d", suffix, len(suffix), suffixLength)
			}
			for _, c := range suffix {
				if !strings.ContainsRune(alphabet, c) {
					t.Errorf("suffix %q contains %q outside the alphabet", suffix, c)
				}
			}
		})
	}
}

func TestNewUniqueness(t *testing.T) {
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		id := NewMessageID()
		if seen[id] {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = true
	}
}
