package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/voxbridge/voxbridge-core/internal/execute"
	"github.com/voxbridge/voxbridge-core/internal/projection"
)

// Assistant intent identifiers.
const (
	intentSync       = "action.devices.SYNC"
	intentQuery      = "action.devices.QUERY"
	intentExecute    = "action.devices.EXECUTE"
	intentDisconnect = "action.devices.DISCONNECT"
)

// fulfillmentRequest is the envelope the assistant platform posts.
type fulfillmentRequest struct {
	RequestID string `json:"requestId"`
	Inputs    []struct {
		Intent  string          `json:"intent"`
		Payload json.RawMessage `json:"payload"`
	} `json:"inputs"`
}

type queryPayload struct {
	Devices []struct {
		ID string `json:"id"`
	} `json:"devices"`
}

type executePayload struct {
	Commands []struct {
		Devices []struct {
			ID string `json:"id"`
		} `json:"devices"`
		Execution []struct {
			Command string         `json:"command"`
			Params  map[string]any `json:"params"`
		} `json:"execution"`
	} `json:"commands"`
}

// commandResult is one entry of the EXECUTE response.
type commandResult struct {
	IDs       []string       `json:"ids"`
	Status    string         `json:"status"`
	States    map[string]any `json:"states,omitempty"`
	ErrorCode string         `json:"errorCode,omitempty"`
}

// handleSmartHome dispatches the assistant's fulfillment envelope. Each
// request carries exactly one input intent in practice; the loop handles
// the envelope shape as documented.
func (s *Server) handleSmartHome(w http.ResponseWriter, r *http.Request) {
	var req fulfillmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed fulfillment envelope")
		return
	}
	if len(req.Inputs) == 0 {
		writeBadRequest(w, "empty inputs")
		return
	}

	input := req.Inputs[0]
	var payload any
	switch input.Intent {
	case intentSync:
		payload = s.handleSync(r)
	case intentQuery:
		payload = s.handleQuery(r, input.Payload)
	case intentExecute:
		payload = s.handleExecute(r, input.Payload)
	case intentDisconnect:
		s.handleDisconnect(r)
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	default:
		writeBadRequest(w, "unsupported intent")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": req.RequestID,
		"payload":   payload,
	})
}

// syncSelectableDomains are the controller domains eligible for the
// one-time bootstrap selection.
var syncSelectableDomains = map[string]bool{
	"light":   true,
	"switch":  true,
	"climate": true,
	"scene":   true,
	"script":  true,
}

func (s *Server) handleSync(r *http.Request) map[string]any {
	ctx := r.Context()

	// First sync on a fresh install: seed the selection so the user sees
	// devices immediately instead of an empty home.
	if s.controller != nil && len(s.identity.Selected()) == 0 {
		if entities, err := s.controller.ListEntities(ctx); err == nil {
			var keys []string
			for _, ent := range entities {
				if syncSelectableDomains[ent.Domain()] {
					keys = append(keys, ent.Key)
				}
			}
			s.identity.AutoSelectIfEmpty(ctx, keys, s.bridgeCfg.AutoSelectLimit)
		}
	}

	devices, err := s.projection.BuildSync(ctx)
	if err != nil {
		s.logger.Error("building sync payload failed", "error", err)
		return map[string]any{
			"agentUserId": s.bridgeCfg.AgentUserID,
			"errorCode":   "hardError",
			"devices":     []any{},
		}
	}
	if devices == nil {
		devices = []projection.SyncDevice{}
	}
	return map[string]any{
		"agentUserId": s.bridgeCfg.AgentUserID,
		"devices":     devices,
	}
}

func (s *Server) handleQuery(r *http.Request, raw json.RawMessage) map[string]any {
	var payload queryPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{"errorCode": "protocolError", "devices": map[string]any{}}
	}
	ids := make([]string, 0, len(payload.Devices))
	for _, d := range payload.Devices {
		ids = append(ids, d.ID)
	}
	return map[string]any{
		"devices": s.projection.BuildQuery(r.Context(), ids),
	}
}

func (s *Server) handleExecute(r *http.Request, raw json.RawMessage) map[string]any {
	var payload executePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{"errorCode": "protocolError", "commands": []any{}}
	}

	var results []commandResult
	var commands []execute.Command
	for _, cmd := range payload.Commands {
		ids := make([]string, 0, len(cmd.Devices))
		for _, d := range cmd.Devices {
			ids = append(ids, d.ID)
		}

		// Parse every directive up front: a malformed directive fails
		// the whole command for its devices without touching any of them.
		var directives []execute.Directive
		var parseErr string
		for _, step := range cmd.Execution {
			directive, err := execute.ParseDirective(step.Command, step.Params)
			if err != nil {
				parseErr = statusForParseError(err)
				break
			}
			directives = append(directives, directive)
		}
		if parseErr != "" {
			results = append(results, commandResult{IDs: ids, Status: "ERROR", ErrorCode: parseErr})
			continue
		}
		commands = append(commands, execute.Command{DeviceIDs: ids, Directives: directives})
	}

	for _, outcome := range s.engine.Execute(r.Context(), commands) {
		results = append(results, resultFor(outcome))
	}
	if results == nil {
		results = []commandResult{}
	}
	return map[string]any{"commands": results}
}

func statusForParseError(err error) string {
	if errors.Is(err, execute.ErrCommandNotSupported) {
		return execute.StatusCommandNotSupported
	}
	return execute.StatusProtocolError
}

// resultFor maps an engine outcome onto the assistant's result shape.
func resultFor(outcome execute.Outcome) commandResult {
	switch outcome.Status {
	case execute.StatusSuccess:
		return commandResult{IDs: []string{outcome.DeviceID}, Status: "SUCCESS", States: outcome.States}
	case execute.StatusDeviceOffline:
		return commandResult{
			IDs:       []string{outcome.DeviceID},
			Status:    "OFFLINE",
			States:    map[string]any{"online": false},
			ErrorCode: outcome.Status,
		}
	default:
		return commandResult{IDs: []string{outcome.DeviceID}, Status: "ERROR", ErrorCode: outcome.Status}
	}
}

// handleDisconnect revokes all issued credentials when the user unlinks
// the bridge from their assistant account.
func (s *Server) handleDisconnect(r *http.Request) {
	s.logger.Info("account unlinked, revoking all tokens")
	s.tokens.RevokeAll(r.Context())
}
