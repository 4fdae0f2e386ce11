package api

import (
	"encoding/json"
	"net/http"
	"sort"
)

// adminDevice is one row of the admin device listing.
type adminDevice struct {
	EntityID     string `json:"entity_id"`
	Domain       string `json:"domain"`
	FriendlyName string `json:"friendly_name,omitempty"`
	State        string `json:"state"`
	Selected     bool   `json:"selected"`
	Alias        string `json:"alias,omitempty"`
}

// handleListDevices returns every controller entity with its selection
// flag and alias, so an operator can curate what the assistant sees.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeInternalError(w, "controller not configured")
		return
	}
	entities, err := s.controller.ListEntities(r.Context())
	if err != nil {
		s.logger.Error("listing controller entities failed", "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeInternal, "controller unavailable")
		return
	}

	selection, aliases := s.identity.Snapshot()
	devices := make([]adminDevice, 0, len(entities))
	for _, ent := range entities {
		friendly, _ := ent.Attributes["friendly_name"].(string)
		devices = append(devices, adminDevice{
			EntityID:     ent.Key,
			Domain:       ent.Domain(),
			FriendlyName: friendly,
			State:        ent.State,
			Selected:     selection[ent.Key],
			Alias:        aliases[ent.Key],
		})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].EntityID < devices[j].EntityID })

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"total":   len(devices),
	})
}

// handleSelectDevices applies a batch of selection changes.
func (s *Server) handleSelectDevices(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Devices map[string]bool `json:"devices"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Devices) == 0 {
		writeBadRequest(w, "expected non-empty 'devices' map of entity_id to selected")
		return
	}

	s.identity.BulkSetSelected(r.Context(), body.Devices)
	writeJSON(w, http.StatusOK, map[string]any{
		"updated": len(body.Devices),
	})
}

// handleSetAlias sets or clears the display name for one entity.
func (s *Server) handleSetAlias(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EntityID string `json:"entity_id"`
		Alias    string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.EntityID == "" {
		writeBadRequest(w, "expected 'entity_id' and optional 'alias'")
		return
	}

	s.identity.SetAlias(r.Context(), body.EntityID, body.Alias)
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": body.EntityID,
		"alias":     body.Alias,
	})
}
