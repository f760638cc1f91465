package bench

import (
	"time"

	"github.com/saveenergy/tunnelbench/pkg/types"
)

type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventConfigStarted  EventType = "config_started"
	EventMeasurement    EventType = "measurement"
	EventConfigFinished EventType = "config_finished"
	EventConfigFailed   EventType = "config_failed"
	EventRunFinished    EventType = "run_finished"
)

// Event is one step of a run, as published to progress subscribers.
type Event struct {
	Type   EventType                `json:"type"`
	RunID  string                   `json:"run_id"`
	Time   time.Time                `json:"time"`
	Config string                   `json:"config,omitempty"`
	Index  int                      `json:"index,omitempty"`
	Total  int                      `json:"total,omitempty"`
	Result *types.MeasurementResult `json:"result,omitempty"`
	Record *types.ConnectionRecord  `json:"record,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

// EventSink receives run events. Publish must not block the run.
type EventSink interface {
	Publish(Event)
}
