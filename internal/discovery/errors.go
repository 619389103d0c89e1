package discovery

import (
	"fmt"
	"strings"
)

// MalformedFileError reports a file that does not follow the migration
// naming convention. Discovery aborts on the first one rather than skipping.
type MalformedFileError struct {
	Path   string
	Reason string
}

// Error implements the error interface
func (e *MalformedFileError) Error() string {
	return fmt.Sprintf("malformed migration file %s: %s", e.Path, e.Reason)
}

// DuplicateMigrationError reports two files claiming the same version for
// the same direction. Version collisions are rejected outright, including
// collisions across modules.
type DuplicateMigrationError struct {
	Version   string
	Direction Direction
	Paths     []string
}

// Error implements the error interface
func (e *DuplicateMigrationError) Error() string {
	return fmt.Sprintf("duplicate migration version %s (%s): %s",
		e.Version, e.Direction, strings.Join(e.Paths, ", "))
}
