package xfer

import (
	"fmt"
	"slices"
)

// Authorizer decides whether an operation may run. A denial surfaces as ErrPermissionDenied.
type Authorizer interface {
	Authorize(op CommandType) error
}

type allowAll struct{}

func (allowAll) Authorize(CommandType) error { return nil }

// AllowAll permits every operation.
var AllowAll Authorizer = allowAll{}

// AllowList permits only the listed operations.
type AllowList []CommandType

func (a AllowList) Authorize(op CommandType) error {
	if slices.Contains(a, op) {
		return nil
	}
	return fmt.Errorf("%w: %s not allowed", ErrPermissionDenied, op)
}

// ParseCommandType returns the CommandType named name, as used in configuration files.
func ParseCommandType(name string) (CommandType, error) {
	for t, n := range commandTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", name)
}
