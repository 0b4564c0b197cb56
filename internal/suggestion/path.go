package suggestion

import "strings"

// Paths address one entity- or field-level change:
//
//	initiative.<identifier>
//	initiative.<identifier>.<field>
//	initiative.<identifier>.tasks.<taskIdentifier>
//	initiative.<identifier>.tasks.<taskIdentifier>.<field>
//
// Identifiers never contain dots, so segment joins are unambiguous.

const pathRoot = "initiative"

func InitiativePath(identifier string) string {
	return pathRoot + "." + identifier
}

func InitiativeFieldPath(identifier, field string) string {
	return InitiativePath(identifier) + "." + field
}

func TaskPath(initiativeIdentifier, taskIdentifier string) string {
	return InitiativePath(initiativeIdentifier) + ".tasks." + taskIdentifier
}

func TaskFieldPath(initiativeIdentifier, taskIdentifier, field string) string {
	return TaskPath(initiativeIdentifier, taskIdentifier) + "." + field
}

// UnderPrefix reports whether path falls under prefix on a segment boundary,
// so "initiative.INIT-1" does not capture "initiative.INIT-12". An empty
// prefix matches every path.
func UnderPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+".")
}
