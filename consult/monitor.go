package consult

import (
	"log/slog"

	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/retrieval"
)

// Monitor provides hooks to observe a consultation.
// Implement this interface to track intermediate steps and results.
type Monitor interface {
	Start(session *Session)
	StateChanged(session *Session, from, to State)
	AfterRetrieval(session *Session, outcome retrieval.Outcome)
	AfterFusion(session *Session, fused []core.FusedResult, confidence float64)
	AfterFallback(session *Session, used bool, err error)
	Finish(session *Session, err error)
}

// noopMonitor is a no-op implementation of Monitor
type noopMonitor struct{}

var _ Monitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ *Session)                                        {}
func (n *noopMonitor) StateChanged(_ *Session, _, _ State)                     {}
func (n *noopMonitor) AfterRetrieval(_ *Session, _ retrieval.Outcome)          {}
func (n *noopMonitor) AfterFusion(_ *Session, _ []core.FusedResult, _ float64) {}
func (n *noopMonitor) AfterFallback(_ *Session, _ bool, _ error)               {}
func (n *noopMonitor) Finish(_ *Session, _ error)                              {}

// LogMonitor writes every hook to a logger at debug level.
type LogMonitor struct {
	Logger *slog.Logger
}

var _ Monitor = (*LogMonitor)(nil)

func (m *LogMonitor) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

func (m *LogMonitor) Start(s *Session) {
	m.logger().Debug("consultation started", "session", s.ID, "question", s.Question)
}

func (m *LogMonitor) StateChanged(s *Session, from, to State) {
	m.logger().Debug("consultation state", "session", s.ID, "from", from, "to", to)
}

func (m *LogMonitor) AfterRetrieval(s *Session, o retrieval.Outcome) {
	m.logger().Debug("retrieval finished",
		"session", s.ID,
		"vector", len(o.Vector),
		"lexical", len(o.Lexical),
		"vector_err", o.VectorErr,
		"lexical_err", o.LexicalErr)
}

func (m *LogMonitor) AfterFusion(s *Session, fused []core.FusedResult, confidence float64) {
	m.logger().Debug("fusion finished", "session", s.ID, "results", len(fused), "confidence", confidence)
}

func (m *LogMonitor) AfterFallback(s *Session, used bool, err error) {
	m.logger().Debug("fallback finished", "session", s.ID, "used", used, "err", err)
}

func (m *LogMonitor) Finish(s *Session, err error) {
	m.logger().Debug("consultation finished", "session", s.ID, "state", s.State(), "err", err)
}
