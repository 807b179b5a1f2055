// internal/domain/membership.go
package domain

// Membership lists the service replicas that share one dispatch lane.
type Membership interface {
	Members() []string
}
