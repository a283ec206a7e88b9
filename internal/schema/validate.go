package schema

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateAction checks an action payload for shape errors. It runs
// before any state inspection; a nil error means the planner may
// proceed.
func ValidateAction(a Action) error {
	if a == nil {
		return fmt.Errorf("nil action")
	}
	switch act := a.(type) {
	case LocalPeerCreate:
		return validatePeerInfo(act.Peer)
	case LocalPeerUpdate:
		return validatePeerInfo(act.Peer)
	case LocalPeerDelete:
		if act.Name == "" {
			return fmt.Errorf("peer name is required")
		}
		return nil
	case LocalRouteCreate:
		return validateRoute(act.Route, true)
	case LocalRouteDelete:
		if act.Name == "" {
			return fmt.Errorf("route name is required")
		}
		if !act.Protocol.Valid() {
			return fmt.Errorf("invalid protocol %q", act.Protocol)
		}
		return nil
	case InternalProtocolOpen:
		return validatePeerInfo(act.Peer)
	case InternalProtocolClose:
		if act.Peer.Name == "" {
			return fmt.Errorf("peer name is required")
		}
		return nil
	case InternalProtocolUpdate:
		if act.Peer.Name == "" {
			return fmt.Errorf("peer name is required")
		}
		for i, e := range act.Update.Updates {
			if err := validateUpdateEntry(e); err != nil {
				return fmt.Errorf("updates[%d]: %w", i, err)
			}
		}
		return nil
	case Tick:
		return nil
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind())
	}
}

func validatePeerInfo(p PeerInfo) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("peer: %w", err)
	}
	return nil
}

// validateRoute checks a route payload. Removals carry only the
// (name, protocol) key, so the endpoint is required only for full
// routes.
func validateRoute(r Route, full bool) error {
	if r.Name == "" {
		return fmt.Errorf("route name is required")
	}
	if !r.Protocol.Valid() {
		return fmt.Errorf("invalid protocol %q", r.Protocol)
	}
	if full {
		if err := validate.Struct(r); err != nil {
			return fmt.Errorf("route: %w", err)
		}
		if r.Endpoint == "" {
			return fmt.Errorf("route endpoint is required")
		}
	}
	return nil
}

func validateUpdateEntry(e UpdateEntry) error {
	switch e.Action {
	case UpdateAdd:
		return validateRoute(e.Route, true)
	case UpdateRemove:
		return validateRoute(e.Route, false)
	default:
		return fmt.Errorf("unknown update action %q", e.Action)
	}
}
