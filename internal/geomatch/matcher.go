// Package geomatch ranks responders for an incident by proximity and score.
package geomatch

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/mr1hm/go-rescue-dispatch/internal/models"
	"github.com/mr1hm/go-rescue-dispatch/internal/repository"
)

// Candidate is a responder eligible for an incident, with the computed
// great-circle distance.
type Candidate struct {
	Responder  models.Responder
	DistanceKm float64
}

type Matcher struct {
	responders repository.ResponderRepository
}

func NewMatcher(responders repository.ResponderRepository) *Matcher {
	return &Matcher{responders: responders}
}

// FindCandidates returns eligible responders for the location, best first.
// Eligible means active, capability overlap with the required tags, within
// radiusKm of the location and, when the responder declares a service radius,
// within that radius too. Responders in excludeIDs are skipped.
//
// Ordering is deterministic: score descending, then distance ascending, then
// ID ascending, so reruns over the same data pick the same candidates.
func (m *Matcher) FindCandidates(ctx context.Context, loc models.Coordinates, capabilities []string, radiusKm float64, excludeIDs map[string]bool) ([]Candidate, error) {
	responders, err := m.responders.ListActiveResponders(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading responders: %w", err)
	}

	var candidates []Candidate
	for _, r := range responders {
		if excludeIDs[r.ID] {
			continue
		}
		if len(capabilities) > 0 && !r.HasCapability(capabilities) {
			continue
		}
		dist := haversineKm(loc.Latitude, loc.Longitude, r.Latitude, r.Longitude)
		if dist > radiusKm {
			continue
		}
		if r.ServiceRadiusKm > 0 && dist > r.ServiceRadiusKm {
			continue
		}
		candidates = append(candidates, Candidate{Responder: r, DistanceKm: dist})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Responder.Score != candidates[j].Responder.Score {
			return candidates[i].Responder.Score > candidates[j].Responder.Score
		}
		if candidates[i].DistanceKm != candidates[j].DistanceKm {
			return candidates[i].DistanceKm < candidates[j].DistanceKm
		}
		return candidates[i].Responder.ID < candidates[j].Responder.ID
	})

	return candidates, nil
}

const earthRadiusKm = 6371.0

// haversineKm computes the great-circle distance between two points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
