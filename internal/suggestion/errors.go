package suggestion

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotResolved is returned by Saver.Save when the suggestion set still has
// unresolved paths.
var ErrNotResolved = errors.New("suggestions not fully resolved")

// NormalizationError indicates malformed model output: a CREATE task without a
// parent reference, or a reference to an entity the live store does not know.
type NormalizationError struct {
	Identifier string
	Reason     string
}

func (e NormalizationError) Error() string {
	if e.Identifier == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Identifier)
}

// EntityResolutionError indicates an identifier referenced by an accepted
// change that cannot be resolved to a storage id.
type EntityResolutionError struct {
	EntityType string
	Identifier string
	Known      []string
}

func (e EntityResolutionError) Error() string {
	return fmt.Sprintf("%s %s not found (known: %s)", e.EntityType, e.Identifier, strings.Join(e.Known, ", "))
}
