package model

import (
	"fmt"
	"regexp"
)

const maxExternalIDLength = 63

var (
	// Docker container names and Daytona sandbox names: alphanumeric plus
	// dashes, must start alphanumeric.
	nameRegexp = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*$`)

	// Fly app names are stricter: lowercase, must start with a letter and
	// end alphanumeric. They become public DNS labels ({app}.fly.dev), so a
	// mismatch is a hard error rather than a silent truncation/rename that
	// would break caller-side identity tracking.
	flyAppNameRegexp = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)
)

// ValidateExternalID validates a caller-assigned machine identifier against
// the naming constraints of the given backend.
func ValidateExternalID(t ProviderType, externalID string) error {
	if externalID == "" {
		return fmt.Errorf("external ID is required: %w", ErrNotValid)
	}
	if len(externalID) > maxExternalIDLength {
		return fmt.Errorf("external ID %q is longer than %d characters: %w", externalID, maxExternalIDLength, ErrNotValid)
	}

	switch t {
	case ProviderTypeFly:
		if !flyAppNameRegexp.MatchString(externalID) {
			return fmt.Errorf("external ID %q is not a valid app name (lowercase alphanumeric and dashes, must start with a letter): %w", externalID, ErrNotValid)
		}
	default:
		if !nameRegexp.MatchString(externalID) {
			return fmt.Errorf("external ID %q is not a valid name (alphanumeric and dashes): %w", externalID, ErrNotValid)
		}
	}

	return nil
}
