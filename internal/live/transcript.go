package live

import (
	"strings"
	"sync"
)

// Transcript accumulates partial text for the current turn.
type Transcript struct {
	mu sync.Mutex
	b  strings.Builder
}

// Append adds text for origin. Assistant text is marked so the view can tell
// the two sides apart.
func (t *Transcript) Append(origin Origin, text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if origin == OriginAssistant {
		t.b.WriteString(" (AI: ")
		t.b.WriteString(text)
		t.b.WriteString(")")
		return
	}
	t.b.WriteString(text)
}

func (t *Transcript) Reset() {
	t.mu.Lock()
	t.b.Reset()
	t.mu.Unlock()
}

func (t *Transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.b.String()
}
