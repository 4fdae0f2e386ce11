package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/voxbridge/voxbridge-core/internal/tokens"
)

// handleAuthorize implements the OAuth authorization endpoint the
// assistant platform calls during account linking.
//
// The bridge serves a single household, so there is no login page: a
// request with the right client_id gets a short-lived authorization code
// via redirect. The secret is never part of this leg; it is required at
// the token exchange.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	state := query.Get("state")
	responseType := query.Get("response_type")

	if clientID != s.oauthCfg.ClientID {
		s.logger.Warn("authorization rejected", "reason", "client_id mismatch")
		writeBadRequest(w, "unknown client")
		return
	}
	if responseType != "code" {
		writeBadRequest(w, "unsupported response_type")
		return
	}
	target, err := url.Parse(redirectURI)
	if err != nil || target.Scheme != "https" {
		writeBadRequest(w, "invalid redirect_uri")
		return
	}

	code, err := s.tokens.IssueAuthorizationCode(r.Context(), clientID)
	if err != nil {
		s.logger.Error("issuing authorization code failed", "error", err)
		writeInternalError(w, "could not issue authorization code")
		return
	}

	params := target.Query()
	params.Set("code", code)
	params.Set("state", state)
	target.RawQuery = params.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleToken implements the OAuth token endpoint: authorization_code
// exchange and refresh_token grants, form-encoded per RFC 6749.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		pair, err := s.tokens.ExchangeCode(r.Context(), r.PostFormValue("code"), clientID, clientSecret)
		if err != nil {
			s.oauthFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token_type":    "Bearer",
			"access_token":  pair.AccessToken,
			"refresh_token": pair.RefreshToken,
			"expires_in":    pair.ExpiresIn,
		})

	case "refresh_token":
		accessToken, expiresIn, err := s.tokens.RefreshAccessToken(
			r.Context(), r.PostFormValue("refresh_token"), clientID, clientSecret)
		if err != nil {
			s.oauthFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token_type":   "Bearer",
			"access_token": accessToken,
			"expires_in":   expiresIn,
		})

	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

// oauthFailure maps token authority errors onto RFC 6749 error codes.
func (s *Server) oauthFailure(w http.ResponseWriter, err error) {
	s.logger.Warn("token grant rejected", "error", err)
	if errors.Is(err, tokens.ErrInvalidGrant) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	writeOAuthError(w, http.StatusInternalServerError, "server_error")
}
