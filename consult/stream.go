package consult

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/poiesic/medrag/core"
)

// EventType tags a streaming event.
type EventType string

const (
	EventStatus      EventType = "status"
	EventSources     EventType = "sources"
	EventContent     EventType = "content"
	EventSuggestions EventType = "suggestions"
	EventDone        EventType = "done"
	EventError       EventType = "error"
)

// Status messages sent while a consultation streams.
const (
	StatusCached       = "使用缓存结果"
	StatusRetrieving   = "正在检索医疗知识..."
	StatusSearchingWeb = "知识库信息不足，正在联网搜索..."
	StatusGenerating   = "正在生成回答..."
)

// Event is one element of a streamed consultation.
type Event struct {
	Type         EventType         `json:"type"`
	SessionID    string            `json:"session_id,omitempty"`
	Message      string            `json:"message,omitempty"`
	Content      string            `json:"content,omitempty"`
	Sources      []core.ContextRef `json:"sources,omitempty"`
	Suggestions  []string          `json:"suggestions,omitempty"`
	Cached       bool              `json:"cached,omitempty"`
	FallbackUsed bool              `json:"fallback_used,omitempty"`
	Insufficient bool              `json:"insufficient,omitempty"`
}

// ConsultStream answers req as a sequence of events. A successful stream
// ends with an EventDone marker; a failed one ends with an EventError
// event carrying the error. A cache hit replays the stored answer as a
// single content event. Breaking out of the loop cancels the consultation
// and releases its cache key.
func (p *Pipeline) ConsultStream(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if strings.TrimSpace(req.Question) == "" {
			yield(Event{Type: EventError, Message: ErrEmptyQuestion.Error()}, ErrEmptyQuestion)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		start := time.Now()
		sess := p.begin(req)

		stopped := false
		send := func(ev Event) bool {
			if stopped {
				return false
			}
			ev.SessionID = sess.ID
			if !yield(ev, nil) {
				stopped = true
				cancel()
				return false
			}
			return true
		}
		status := func(msg string) {
			send(Event{Type: EventStatus, Message: msg})
		}

		entry, hit, err := p.lookup(ctx, sess, func(ctx context.Context) (*core.CacheEntry, bool, error) {
			greq, err := p.prepare(ctx, sess, req, status)
			if err != nil {
				return nil, false, err
			}

			prompt, pieces := p.generator.Stream(ctx, greq)
			if !send(Event{Type: EventSources, Sources: refs(prompt.Used), FallbackUsed: sess.FallbackUsed}) {
				return nil, false, ctx.Err()
			}

			var text strings.Builder
			for piece, err := range pieces {
				if err != nil {
					return nil, false, err
				}
				text.WriteString(piece)
				if !send(Event{Type: EventContent, Content: piece}) {
					return nil, false, ctx.Err()
				}
			}

			answer := p.generator.NewAnswer(text.String(), prompt)
			if !send(Event{Type: EventSuggestions, Suggestions: answer.Suggestions}) {
				return nil, false, ctx.Err()
			}
			return p.finishMiss(sess, answer)
		})
		if err != nil {
			err = p.abort(sess, err)
			if !stopped {
				yield(Event{Type: EventError, SessionID: sess.ID, Message: err.Error()}, err)
			}
			return
		}

		if hit {
			replay := []Event{
				{Type: EventStatus, Message: StatusCached, Cached: true},
				{Type: EventSources, Sources: entry.Contexts, Cached: true, FallbackUsed: entry.FallbackUsed},
				{Type: EventContent, Content: entry.Answer, Cached: true},
				{Type: EventSuggestions, Suggestions: entry.Suggestions, Cached: true},
			}
			for _, ev := range replay {
				if !send(ev) {
					return
				}
			}
		}

		resp := p.respond(sess, entry, hit)
		p.end(sess, start, resp)
		send(Event{
			Type:         EventDone,
			Cached:       hit,
			FallbackUsed: resp.FallbackUsed,
			Insufficient: resp.Insufficient,
		})
	}
}
