package model

import "time"

// Stage names the pipeline step an Event came from.
type Stage string

const (
	StageScrape  Stage = "scrape"
	StageExtract Stage = "extract"
	StageCheck   Stage = "check"
	StageExport  Stage = "export"
)

// Event 是流水线发出的诊断事件，供日志和 Web UI 消费。
type Event struct {
	Time       time.Time `json:"time"`
	Stage      Stage     `json:"stage"`
	Identifier string    `json:"identifier"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}

// EventSink receives diagnostic events. Implementations must be safe for
// concurrent use and must not block for long.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Sinks fans an event out to several sinks.
type Sinks []EventSink

func (s Sinks) Emit(e Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Emit(e)
		}
	}
}

// Discard is an EventSink that drops everything.
var Discard EventSink = SinkFunc(func(Event) {})
