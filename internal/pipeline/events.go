package pipeline

import "github.com/nettsmed/clicksync/internal/window"

// EventSink receives run lifecycle notifications. The dashboard implements
// this to broadcast progress to websocket clients; a nil-safe no-op sink
// is used when no dashboard is attached. Sinks must not block.
type EventSink interface {
	RunStarted(s *Summary)
	WindowDone(s *Summary, w window.Window, err error)
	RunFinished(s *Summary)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RunStarted(*Summary)                       {}
func (NopSink) WindowDone(*Summary, window.Window, error) {}
func (NopSink) RunFinished(*Summary)                      {}
