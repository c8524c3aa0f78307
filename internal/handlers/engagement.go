package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

type engagedVehiclesResponse struct {
	EngagedPrefixes []string `json:"engagedPrefixes"`
	Cached          bool     `json:"cached"`
	FetchedAt       *string  `json:"fetchedAt"`
}

// HandleEngagedVehicles answers "which vehicles are committed to a duty
// shift right now". force=true re-walks the upstream listing even if the
// cached snapshot is still fresh.
func (g *Gateway) HandleEngagedVehicles(w http.ResponseWriter, r *http.Request) {
	log := g.log.WithField("operation", "engaged_vehicles")

	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	token, ok := g.sessionToken(w, r, log)
	if !ok {
		return
	}

	snap, cached, err := g.agg.Engaged(r.Context(), token.Value, force)
	if err != nil {
		log.WithError(err).Error("Engagement aggregation failed")
		http.Error(w, "Upstream request failed", http.StatusBadGateway)
		return
	}

	resp := engagedVehiclesResponse{
		EngagedPrefixes: snap.Prefixes,
		Cached:          cached,
	}
	if resp.EngagedPrefixes == nil {
		resp.EngagedPrefixes = []string{}
	}
	if !snap.FetchedAt.IsZero() {
		s := snap.FetchedAt.UTC().Format(time.RFC3339)
		resp.FetchedAt = &s
	}

	log.WithFields(logrus.Fields{
		"engaged": len(resp.EngagedPrefixes),
		"cached":  cached,
		"force":   force,
	}).Info("Served engaged vehicles")
	writeJSON(w, http.StatusOK, resp)
}
