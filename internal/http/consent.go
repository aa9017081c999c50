package http

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/tendant/oauth2-engine/internal/oauth"
)

// consentParams are the request parameters carried from the consent page
// back to the decision POST.
var consentParams = []string{
	"response_type", "client_id", "redirect_uri", "scope", "state",
	"code_challenge", "code_challenge_method",
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Authorize {{.ClientName}}</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; background: #f5f5f5; display: flex; justify-content: center; padding-top: 60px; }
        .card { background: white; padding: 32px; border-radius: 8px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); width: 340px; }
        h1 { margin-top: 0; font-size: 22px; }
        ul { padding-left: 20px; color: #333; }
        .actions { display: flex; gap: 8px; margin-top: 20px; }
        button { flex: 1; padding: 10px; border: none; border-radius: 4px; cursor: pointer; font-size: 15px; }
        .approve { background: #2563eb; color: white; }
        .deny { background: #e5e7eb; }
    </style>
</head>
<body>
<div class="card">
    <h1>{{.ClientName}} wants access to your account</h1>
    {{if .Scopes}}<ul>{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>{{end}}
    <form method="POST" action="{{.Action}}">
        {{range $name, $values := .Params}}{{range $values}}<input type="hidden" name="{{$name}}" value="{{.}}">
        {{end}}{{end}}<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
        <div class="actions">
            <button class="approve" type="submit" name="approve" value="true">Allow</button>
            <button class="deny" type="submit" name="approve" value="false">Deny</button>
        </div>
    </form>
</div>
</body>
</html>`))

type consentPage struct {
	Action     string
	ClientName string
	Scopes     []string
	Params     url.Values
	CSRFToken  string
}

// ConsentResponse is the JSON form of the consent step for hosts that render
// their own page. The decision is posted back to /authorize with the same
// parameters plus csrf_token and approve.
type ConsentResponse struct {
	ClientID    string   `json:"client_id"`
	ClientName  string   `json:"client_name,omitempty"`
	Scopes      []string `json:"scopes"`
	RedirectURI string   `json:"redirect_uri,omitempty"`
	State       string   `json:"state,omitempty"`
	CSRFToken   string   `json:"csrf_token"`
}

// Authorize handles GET /authorize. It validates the request, authenticates
// the resource owner with HTTP Basic credentials and returns a consent step.
// No code is issued here.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	ar, err := h.server.ValidateAuthorizationRequest(r.Context(), r)
	if err != nil {
		h.server.WriteError(w, err)
		return
	}

	user, ok := h.authenticateOwner(w, r)
	if !ok {
		return
	}

	params := pickAuthorizeParams(r.URL.Query())
	token, err := h.csrf.GenerateToken(w, consentBinding(user.ID, params))
	if err != nil {
		h.logger.Error("failed to generate consent token", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	name := ar.Client.Name
	if name == "" {
		name = ar.Client.ID
	}
	scopes := ar.Scopes.IDs()
	if scopes == nil {
		scopes = []string{}
	}

	if wantsJSON(r) {
		oauth.WriteJSON(w, http.StatusOK, ConsentResponse{
			ClientID:    ar.Client.ID,
			ClientName:  ar.Client.Name,
			Scopes:      scopes,
			RedirectURI: ar.RedirectURI,
			State:       ar.State,
			CSRFToken:   token,
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	if err := consentTemplate.Execute(w, consentPage{
		Action:     r.URL.Path,
		ClientName: name,
		Scopes:     scopes,
		Params:     params,
		CSRFToken:  token,
	}); err != nil {
		h.logger.Error("failed to render consent page", "error", err)
	}
}

// Decide handles POST /authorize. A code is issued only when the form carries
// a valid CSRF token for this request and approve=true.
func (h *OAuthHandler) Decide(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauth.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "Malformed form body",
		})
		return
	}

	params := pickAuthorizeParams(r.PostForm)
	vr := r.Clone(r.Context())
	vr.URL.RawQuery = params.Encode()

	ar, err := h.server.ValidateAuthorizationRequest(r.Context(), vr)
	if err != nil {
		h.server.WriteError(w, err)
		return
	}

	user, ok := h.authenticateOwner(w, r)
	if !ok {
		return
	}

	if err := h.csrf.ValidateToken(r, consentBinding(user.ID, params)); err != nil {
		h.logger.Warn("consent rejected", "client_id", ar.Client.ID, "user_id", user.ID, "error", err)
		oauth.WriteJSON(w, http.StatusForbidden, map[string]string{
			"error":             "access_denied",
			"error_description": "Invalid or expired consent form",
		})
		return
	}
	h.csrf.ClearToken(w)

	ar.User = user
	ar.AuthorizationApproved = r.PostForm.Get("approve") == "true"

	redirect, err := h.server.CompleteAuthorizationRequest(r.Context(), ar)
	if err != nil {
		h.server.WriteError(w, err)
		return
	}
	redirect.Write(w)
}

func pickAuthorizeParams(src url.Values) url.Values {
	params := url.Values{}
	for _, name := range consentParams {
		if v, ok := src[name]; ok {
			params[name] = v
		}
	}
	return params
}

// consentBinding ties a consent token to the user and the exact request.
func consentBinding(userID string, params url.Values) string {
	return userID + "\x00" + params.Encode()
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
