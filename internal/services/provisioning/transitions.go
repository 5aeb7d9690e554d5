package provisioning

import (
	"errors"
	"fmt"

	"github.com/LeonardoBeccarini/plant_node/internal/model"
)

var (
	ErrInvalidTransition = errors.New("invalid provisioning transition")
	ErrBackendRejection  = errors.New("backend rejected provisioning step")
	ErrParse             = errors.New("malformed provisioning payload")
)

// predecessor holds the only state each target may be entered from.
// FAILED is handled separately: any non-terminal state may fail.
var predecessor = map[model.ProvisioningState]model.ProvisioningState{
	model.StateDeviceConnected: model.StatePending,
	model.StateWiFiSetup:       model.StateDeviceConnected,
	model.StateBackendVerified: model.StateWiFiSetup,
	model.StateCompleted:       model.StateBackendVerified,
}

// Transition checks whether cur may move to next and returns next on success.
// It has no side effects.
func Transition(cur, next model.ProvisioningState) (model.ProvisioningState, error) {
	if !cur.Valid() || !next.Valid() {
		return cur, fmt.Errorf("%w: unknown state %d -> %d", ErrInvalidTransition, cur, next)
	}
	if cur.Terminal() {
		return cur, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, cur)
	}
	if next == model.StateFailed {
		return next, nil
	}
	if p, ok := predecessor[next]; ok && p == cur {
		return next, nil
	}
	return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
}
