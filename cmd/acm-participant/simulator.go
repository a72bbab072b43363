package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
	"github.com/stratoline/acm-core/internal/infrastructure/logging"
	"github.com/stratoline/acm-core/internal/participant"
)

// simulatedHandler is the element handler this binary ships with. It
// performs no real work: every callback logs, optionally sleeps and
// succeeds or fails based on the element's properties, which makes it
// handy for exercising the runtime end to end.
//
// Recognised element properties:
//
//	simulatedDelayMs  - milliseconds each callback sleeps (default 0)
//	simulatedFailure  - when true, every lifecycle callback fails
type simulatedHandler struct {
	participant.Base

	intermediary *participant.Intermediary
	logger       *logging.Logger
}

func newSimulatedHandler(intermediary *participant.Intermediary, logger *logging.Logger) *simulatedHandler {
	return &simulatedHandler{intermediary: intermediary, logger: logger}
}

func (h *simulatedHandler) Deploy(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement) error {
	if err := h.simulate(ctx, "deploy", instanceElement); err != nil {
		return err
	}
	// Surface some runtime state so operators see the element doing
	// something.
	if err := h.intermediary.SendElementInfo(instanceElement.InstanceID, instanceElement.ElementID,
		"IN_USE", "ENABLED", map[string]any{"deployedAt": time.Now().UTC().Format(time.RFC3339)}); err != nil {
		h.logger.Warn("element info report failed",
			"element_id", instanceElement.ElementID.String(), "error", err)
	}
	return nil
}

func (h *simulatedHandler) Undeploy(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement) error {
	return h.simulate(ctx, "undeploy", instanceElement)
}

func (h *simulatedHandler) Lock(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement) error {
	return h.simulate(ctx, "lock", instanceElement)
}

func (h *simulatedHandler) Unlock(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement) error {
	return h.simulate(ctx, "unlock", instanceElement)
}

func (h *simulatedHandler) Delete(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement) error {
	return h.simulate(ctx, "delete", instanceElement)
}

func (h *simulatedHandler) Update(ctx context.Context, compositionElement acm.CompositionElement, instanceElement acm.InstanceElement) error {
	return h.simulate(ctx, "update", instanceElement)
}

func (h *simulatedHandler) Migrate(ctx context.Context, compositionElement, targetElement acm.CompositionElement, instanceElement acm.InstanceElement, stage int) error {
	h.logger.Info("simulated migrate stage",
		"element_id", instanceElement.ElementID.String(), "stage", stage)
	return h.simulate(ctx, "migrate", instanceElement)
}

func (h *simulatedHandler) Prime(ctx context.Context, composition acm.CompositionDefinition) error {
	h.logger.Info("simulated prime",
		"composition_id", composition.CompositionID.String(),
		"element_definitions", len(composition.Elements))
	return nil
}

func (h *simulatedHandler) Deprime(ctx context.Context, compositionID uuid.UUID) error {
	h.logger.Info("simulated deprime", "composition_id", compositionID.String())
	return nil
}

// simulate applies the element's configured delay and failure mode.
func (h *simulatedHandler) simulate(ctx context.Context, operation string, element acm.InstanceElement) error {
	h.logger.Info("simulated "+operation, "element_id", element.ElementID.String())

	if delay := intProperty(element.InProperties, "simulatedDelayMs"); delay > 0 {
		select {
		case <-time.After(time.Duration(delay) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if fail, _ := element.InProperties["simulatedFailure"].(bool); fail {
		return fmt.Errorf("simulated %s failure for element %s", operation, element.ElementID)
	}
	return nil
}

// intProperty tolerates the numeric types JSON and YAML decoding produce.
func intProperty(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
