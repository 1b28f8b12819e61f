package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxPromptLength = 1000
	MaxDimension    = 2048
	// DimensionStep is the granularity generation backends accept.
	DimensionStep = 8
)

var (
	// SeedRegex validates seed format
	SeedRegex = regexp.MustCompile(`^[0-9]{1,20}$`)
)

// ValidateSubmission checks the fields every generation request needs. The
// seed is free text and sizes need not be aligned; backends snap them.
func ValidateSubmission(text string, height, width int) error {
	if err := ValidateNonEmptyString(text, "prompt"); err != nil {
		return err
	}
	if err := ValidateStringLength(text, 1, MaxPromptLength, "prompt"); err != nil {
		return err
	}
	if height <= 0 || width <= 0 {
		return fmt.Errorf("dimensions must be > 0, got %dx%d", width, height)
	}
	return nil
}

// SnapDimension rounds v to the nearest DimensionStep multiple in
// [DimensionStep, MaxDimension].
func SnapDimension(v int) int {
	v = (v + DimensionStep/2) / DimensionStep * DimensionStep
	if v < DimensionStep {
		return DimensionStep
	}
	if v > MaxDimension {
		return MaxDimension
	}
	return v
}

// ValidateDimension validates an image dimension
func ValidateDimension(v int, fieldName string) error {
	if v <= 0 {
		return fmt.Errorf("%s must be > 0", fieldName)
	}
	if v > MaxDimension {
		return fmt.Errorf("%s is too large (max %d)", fieldName, MaxDimension)
	}
	if v%DimensionStep != 0 {
		return fmt.Errorf("%s must be a multiple of %d", fieldName, DimensionStep)
	}
	return nil
}

// ValidateSessionDescription validates an SDP blob and its type
func ValidateSessionDescription(sdp, sdpType string) error {
	if err := ValidateNonEmptyString(sdp, "sdp"); err != nil {
		return err
	}
	if !strings.HasPrefix(sdp, "v=0") {
		return fmt.Errorf("sdp must start with v=0")
	}
	switch sdpType {
	case "offer", "answer":
	default:
		return fmt.Errorf("invalid sdp type %q (must be offer or answer)", sdpType)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
