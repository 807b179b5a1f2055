// internal/domain/dispatcher.go
package domain

// DispatcherState is the state of the single drain loop.
type DispatcherState string

const (
	DispatcherIdle     DispatcherState = "IDLE"
	DispatcherDraining DispatcherState = "DRAINING"
)

// Dispatcher drains pending batches one at a time.
type Dispatcher interface {
	// Kickoff starts the drain loop unless it is already running.
	Kickoff()
	State() DispatcherState
}
