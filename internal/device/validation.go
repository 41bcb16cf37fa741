package device

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Metadata field limits, in characters.
const (
	MaxNameLength        = 128
	MaxFieldLength       = 256
	MaxDescriptionLength = 1024
)

// Normalize trims surrounding whitespace from every field.
func (m Metadata) Normalize() Metadata {
	return Metadata{
		Name:        strings.TrimSpace(m.Name),
		Location:    strings.TrimSpace(m.Location),
		Owner:       strings.TrimSpace(m.Owner),
		Type:        strings.TrimSpace(m.Type),
		Description: strings.TrimSpace(m.Description),
	}
}

// ValidateMetadata checks registration metadata.
//
// Returns an error wrapping ErrInvalidMetadata naming the first failing field.
func ValidateMetadata(m Metadata) error {
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidMetadata)
	}

	fields := []struct {
		name  string
		value string
		max   int
	}{
		{"name", m.Name, MaxNameLength},
		{"location", m.Location, MaxFieldLength},
		{"owner", m.Owner, MaxFieldLength},
		{"type", m.Type, MaxFieldLength},
		{"description", m.Description, MaxDescriptionLength},
	}
	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidMetadata, f.name)
		}
		if n := utf8.RuneCountInString(f.value); n > f.max {
			return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidMetadata, f.name, f.max)
		}
	}

	return nil
}
