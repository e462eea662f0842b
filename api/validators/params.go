package validators

import (
	"strings"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/packfinderz-settlement/pkg/errors"
)

// ParseUUID parses an identifier taken from a path or header.
func ParseUUID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid identifier").
			WithDetails(map[string]any{"field": field})
	}
	return id, nil
}
