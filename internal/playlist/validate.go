package playlist

import (
	"strings"

	"tandem/pkg/models"
)

// ValidatePayload checks that payload has the shape required by typ
func ValidatePayload(typ models.RequestType, payload models.RequestPayload) error {
	switch typ {
	case models.RequestAdd:
		if strings.TrimSpace(payload.TrackID) == "" {
			return models.Errorf(models.KindMalformedCommand, "add requires track_id")
		}
		if strings.TrimSpace(payload.Name) == "" {
			return models.Errorf(models.KindMalformedCommand, "add requires name")
		}
		if payload.DurationMs != nil && *payload.DurationMs <= 0 {
			return models.Errorf(models.KindMalformedCommand, "duration_ms must be positive")
		}
	case models.RequestReorder:
		if strings.TrimSpace(payload.TrackID) == "" {
			return models.Errorf(models.KindMalformedCommand, "reorder requires track_id")
		}
		if payload.NewIndex == nil {
			return models.Errorf(models.KindMalformedCommand, "reorder requires new_index")
		}
	case models.RequestRemove:
		if strings.TrimSpace(payload.TrackID) == "" {
			return models.Errorf(models.KindMalformedCommand, "remove requires track_id")
		}
	default:
		return models.Errorf(models.KindMalformedCommand, "unknown request type %q", typ)
	}
	return nil
}
