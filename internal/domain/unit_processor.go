// internal/domain/unit_processor.go
package domain

import "context"

// UnitResult is the payload returned by a successful unit of work.
type UnitResult struct {
	ID   WorkItem `json:"id"`
	Data string   `json:"data"`
}

// UnitProcessor performs the work for one item against an external dependency.
type UnitProcessor interface {
	Process(ctx context.Context, item WorkItem) (UnitResult, error)
}
