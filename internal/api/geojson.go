package api

import (
	"github.com/mr1hm/go-rescue-dispatch/internal/models"
)

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// toGeoJSON renders incidents as a point FeatureCollection for map clients.
func toGeoJSON(incidents []models.Incident) FeatureCollection {
	features := make([]Feature, 0, len(incidents))

	for _, inc := range incidents {
		props := map[string]any{
			"id":           inc.ID,
			"urgency":      string(inc.Urgency),
			"status":       string(inc.Status),
			"level":        inc.Level,
			"capabilities": inc.Capabilities,
			"created_at":   inc.CreatedAt,
		}
		if inc.AssignedResponderID != nil {
			props["assigned_responder_id"] = *inc.AssignedResponderID
		}

		features = append(features, Feature{
			Type: "Feature",
			Geometry: Geometry{
				Type:        "Point",
				Coordinates: []float64{inc.Longitude, inc.Latitude},
			},
			Properties: props,
		})
	}

	return FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
	}
}
