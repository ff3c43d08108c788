package orchestrator

import (
	"errors"

	"github.com/waaall/opencode-agent/internal/repositories"
)

// Error kinds the API layer maps to HTTP statuses. ErrNotFound aliases the
// repository sentinel so one errors.Is covers both raw repository errors and
// errors built here.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrConflict         = errors.New("conflict")
	ErrNotFound         = repositories.ErrNotFound
	ErrAgentUnavailable = errors.New("agent unavailable")
)

// statusError carries a user-facing message on top of one of the kinds above,
// so handlers can errors.Is on the kind and show the message verbatim.
type statusError struct {
	kind error
	msg  string
}

func (e *statusError) Error() string { return e.msg }

func (e *statusError) Is(target error) bool { return target == e.kind }

func invalidArgument(msg string) error { return &statusError{kind: ErrInvalidArgument, msg: msg} }

func conflict(msg string) error { return &statusError{kind: ErrConflict, msg: msg} }

func notFound(msg string) error { return &statusError{kind: ErrNotFound, msg: msg} }

func agentUnavailable(msg string) error { return &statusError{kind: ErrAgentUnavailable, msg: msg} }
