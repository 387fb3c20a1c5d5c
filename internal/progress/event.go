package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRunState   Stage = "RUN_STATE"
	StageRunDone    Stage = "RUN_DONE"
	StageRunFailed  Stage = "RUN_FAILED"
	StagePageDone   Stage = "PAGE_DONE"
	StagePageRetry  Stage = "PAGE_RETRY"
	StagePageFailed Stage = "PAGE_FAILED"
	StageParseError Stage = "PARSE_ERROR"
	StagePersisted  Stage = "PERSISTED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page events.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single step of run progress.
type Event struct {
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// SourceID scopes page events to a configured source.
	SourceID    string
	URL         string
	Page        int
	Attempt     int
	Bytes       int64
	Records     int64
	StatusClass StatusClass
	// State is the run state reached, for RUN_STATE and terminal events.
	State string
	Dur   time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunFailed, StagePersisted:
	case StageRunState:
		if e.State == "" {
			return errors.New("run state event requires state")
		}
	case StagePageDone, StagePageRetry, StagePageFailed, StageParseError:
		if e.SourceID == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
