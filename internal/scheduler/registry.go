package scheduler

import (
	"context"
	"time"
)

// Trigger is one recurring piece of scheduler work. Run reports how many
// items it enqueued or transitioned.
type Trigger interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context, now time.Time) (int, error)
}

// Registry tracks registered triggers.
type Registry struct {
	triggers []Trigger
}

// NewRegistry builds a registry preloaded with the provided triggers.
func NewRegistry(triggers ...Trigger) *Registry {
	registry := &Registry{}
	for _, trigger := range triggers {
		registry.Register(trigger)
	}
	return registry
}

// Register adds a trigger. Triggers without a positive interval are ignored.
func (r *Registry) Register(trigger Trigger) {
	if trigger == nil || trigger.Interval() <= 0 {
		return
	}
	r.triggers = append(r.triggers, trigger)
}

// Triggers returns the registered triggers in the order they were added.
func (r *Registry) Triggers() []Trigger {
	out := make([]Trigger, len(r.triggers))
	copy(out, r.triggers)
	return out
}
