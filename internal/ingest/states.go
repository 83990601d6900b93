// internal/ingest/states.go
package ingest

// State of one reconciliation run.
type State string

const (
	Idle            State = "idle"
	FetchingPage    State = "fetching_page"
	Normalizing     State = "normalizing"
	Writing         State = "writing"
	Advancing       State = "advancing"
	Complete        State = "complete"
	FailedRetryable State = "failed_retryable"
	FailedFatal     State = "failed_fatal"
)

// Mode tells the run instances apart. They share the state machine and differ in date
// window, cursor and completion side effect.
type Mode string

const (
	ModeBackfill  Mode = "backfill"
	ModeDailySync Mode = "daily_sync"
	ModeRefresh   Mode = "refresh"
	ModePopulate  Mode = "populate"
)

// Observer sees every state transition. It runs synchronously on the reconciler goroutine.
type Observer func(Mode, State)

// allowed transitions; anything else is a bug in the reconciler
var transitions = map[State][]State{
	Idle:            {FetchingPage},
	FetchingPage:    {Normalizing, Complete, FailedRetryable, FailedFatal},
	FailedRetryable: {FetchingPage, FailedFatal},
	Normalizing:     {Writing},
	Writing:         {Advancing, FailedFatal},
	Advancing:       {FetchingPage, Complete, Idle, FailedFatal},
	Complete:        {Idle},
	FailedFatal:     {Idle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
