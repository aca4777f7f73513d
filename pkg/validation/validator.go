// Package validation checks inbound requests and configuration sections.
package validation

import (
	"errors"
	"fmt"
	"net"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/dd0wney/cluso-fleet/pkg/model"
)

var (
	// validate is a singleton validator instance
	validate *validator.Validate

	MaxTags         = 64
	MaxTagKeyLength = 128

	tagKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:/-]+$`)
)

// ErrInvalidRequest wraps every request validation failure
var ErrInvalidRequest = errors.New("invalid request")

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

// ValidateAddHostRequest validates an add-host request before any side effect happens.
func ValidateAddHostRequest(req *model.AddHostRequest) error {
	if req == nil {
		return fmt.Errorf("%w: add-host request cannot be nil", ErrInvalidRequest)
	}

	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, formatValidationError(err))
	}

	if ip := net.ParseIP(req.ManagementAddress); ip != nil && ip.IsUnspecified() {
		return fmt.Errorf("%w: ManagementAddress: unspecified address %s", ErrInvalidRequest, req.ManagementAddress)
	}

	if len(req.Tags) > MaxTags {
		return fmt.Errorf("%w: Tags: maximum %d tags allowed, got %d", ErrInvalidRequest, MaxTags, len(req.Tags))
	}
	for key := range req.Tags {
		if len(key) > MaxTagKeyLength {
			return fmt.Errorf("%w: Tags: key %q exceeds %d characters", ErrInvalidRequest, key, MaxTagKeyLength)
		}
		if !tagKeyPattern.MatchString(key) {
			return fmt.Errorf("%w: Tags: key %q contains invalid characters", ErrInvalidRequest, key)
		}
	}

	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	// Report the first failure only
	for _, e := range validationErrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "max":
			return fmt.Errorf("%s: must not exceed %s", field, e.Param())
		case "hostname_rfc1123|ip":
			return fmt.Errorf("%s: %q is neither a hostname nor an IP address", field, e.Value())
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}

	return err
}
