package mock

import (
	"context"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/poiesic/medrag/ai"
	"github.com/poiesic/medrag/core"
)

// DefaultResponse is returned by MockGenerator when no behavior is injected.
const DefaultResponse = "建议多休息，注意补充水分。如症状持续或加重，请及时就医。"

// MockGenerator is a test double for ai.Generator.
// Set the function fields before sharing the mock between goroutines.
type MockGenerator struct {
	// GenerateFunc is called by Generate if set.
	GenerateFunc func(ctx context.Context, messages []core.Message, opts ai.GenerateOptions) (string, error)

	// StreamFunc is called by GenerateStream if set. When nil the stream
	// splits the Generate result into rune-sized pieces.
	StreamFunc func(ctx context.Context, messages []core.Message, opts ai.GenerateOptions) iter.Seq2[string, error]

	// Response overrides DefaultResponse.
	Response string

	callCount atomic.Int64

	mu       sync.Mutex
	messages [][]core.Message
}

// NewMockGenerator creates a generator answering with DefaultResponse.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

// Generate returns the injected or default response.
func (m *MockGenerator) Generate(ctx context.Context, messages []core.Message, opts ...ai.GenerateOption) (string, error) {
	m.callCount.Add(1)
	m.record(messages)
	return m.generate(ctx, messages, ai.ApplyOptions(opts...))
}

// GenerateStream streams the injected or default response.
func (m *MockGenerator) GenerateStream(ctx context.Context, messages []core.Message, opts ...ai.GenerateOption) iter.Seq2[string, error] {
	m.callCount.Add(1)
	m.record(messages)
	o := ai.ApplyOptions(opts...)

	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, messages, o)
	}

	return func(yield func(string, error) bool) {
		text, err := m.generate(ctx, messages, o)
		if err != nil {
			yield("", err)
			return
		}
		for _, piece := range SplitPieces(text, 4) {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(piece, nil) {
				return
			}
		}
	}
}

func (m *MockGenerator) generate(ctx context.Context, messages []core.Message, o ai.GenerateOptions) (string, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, messages, o)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Response != "" {
		return m.Response, nil
	}
	return DefaultResponse, nil
}

func (m *MockGenerator) record(messages []core.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, messages)
}

// CallCount returns the number of Generate and GenerateStream calls.
func (m *MockGenerator) CallCount() int {
	return int(m.callCount.Load())
}

// LastMessages returns the messages of the most recent call.
func (m *MockGenerator) LastMessages() []core.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return nil
	}
	return m.messages[len(m.messages)-1]
}

// Reset clears call history and injected behavior.
func (m *MockGenerator) Reset() {
	m.callCount.Store(0)
	m.mu.Lock()
	m.messages = nil
	m.mu.Unlock()
	m.GenerateFunc = nil
	m.StreamFunc = nil
	m.Response = ""
}

// SplitPieces cuts text into pieces of at most size runes.
func SplitPieces(text string, size int) []string {
	if size <= 0 {
		size = 1
	}
	runes := []rune(text)
	pieces := make([]string, 0, len(runes)/size+1)
	var b strings.Builder
	for i, r := range runes {
		b.WriteRune(r)
		if (i+1)%size == 0 {
			pieces = append(pieces, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		pieces = append(pieces, b.String())
	}
	return pieces
}

var _ ai.Generator = (*MockGenerator)(nil)
