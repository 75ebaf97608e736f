package metrics

import "time"

// ResultLabel enumerates result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultFailure ResultLabel = "failure"
	ResultTimeout ResultLabel = "timeout"
	ResultDropped ResultLabel = "dropped"
)

// Recorder defines observability hooks for the mutation pipeline, fan-out
// fabric, and external bus. Implementations may forward to Prometheus,
// OpenTelemetry, etc. All methods must be safe on the NoopRecorder so
// injection stays optional.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveResolveDuration(d time.Duration, ok bool)
	ObserveBroadcastLatency(d time.Duration)
	IncToolRun(tool string, result ResultLabel)
	IncEventAppended(eventType string)
	IncBusPublish(result ResultLabel)
	IncTicketVerdict(verdict string)
	SetConnections(n int)
	SetSubscriptions(n int)
	IncFrameDropped()
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveResolveDuration(time.Duration, bool) {}
func (NoopRecorder) ObserveBroadcastLatency(time.Duration)      {}
func (NoopRecorder) IncToolRun(string, ResultLabel)             {}
func (NoopRecorder) IncEventAppended(string)                    {}
func (NoopRecorder) IncBusPublish(ResultLabel)                  {}
func (NoopRecorder) IncTicketVerdict(string)                    {}
func (NoopRecorder) SetConnections(int)                         {}
func (NoopRecorder) SetSubscriptions(int)                       {}
func (NoopRecorder) IncFrameDropped()                           {}
