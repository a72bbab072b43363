package acm

import "github.com/google/uuid"

// CompositionElement is a read-only snapshot of an element's type-level
// definition handed to lifecycle callbacks. InProperties are the declared
// common properties; OutProperties come from the commissioned definition.
//
// State tells the callback whether the definition was found in the cache:
// a NOT_PRESENT snapshot carries empty property maps and signals a stale or
// corrupt reference that the callback must handle without faulting.
type CompositionElement struct {
	CompositionID uuid.UUID      `json:"composition_id"`
	DefinitionID  DefinitionID   `json:"definition_id"`
	InProperties  map[string]any `json:"in_properties"`
	OutProperties map[string]any `json:"out_properties"`
	State         ElementState   `json:"state"`
}

// WithState returns a copy of the snapshot retagged with the given state.
func (c CompositionElement) WithState(state ElementState) CompositionElement {
	c.State = state
	return c
}

// InstanceElement is a read-only snapshot of an element's instance-level
// data handed to lifecycle callbacks.
type InstanceElement struct {
	InstanceID    uuid.UUID      `json:"instance_id"`
	ElementID     uuid.UUID      `json:"element_id"`
	InProperties  map[string]any `json:"in_properties"`
	OutProperties map[string]any `json:"out_properties"`
	State         ElementState   `json:"state"`
}

// WithState returns a copy of the snapshot retagged with the given state.
func (i InstanceElement) WithState(state ElementState) InstanceElement {
	i.State = state
	return i
}
