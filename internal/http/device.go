package http

import (
	"html/template"
	"log/slog"
	"net/http"

	autherrors "github.com/tendant/oauth2-engine/internal/errors"
	"github.com/tendant/oauth2-engine/internal/oauth"
)

var verifyTemplate = template.Must(template.New("verify").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Device Verification</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; background: #f5f5f5; display: flex; justify-content: center; padding-top: 60px; }
        .card { background: white; padding: 32px; border-radius: 8px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); width: 340px; }
        h1 { margin-top: 0; font-size: 22px; }
        label { display: block; margin-top: 12px; font-size: 14px; color: #555; }
        input { width: 100%; padding: 10px; margin-top: 4px; border: 1px solid #ddd; border-radius: 4px; box-sizing: border-box; }
        .code { font-family: monospace; letter-spacing: 2px; text-transform: uppercase; }
        .actions { display: flex; gap: 8px; margin-top: 20px; }
        button { flex: 1; padding: 10px; border: none; border-radius: 4px; cursor: pointer; font-size: 15px; }
        .approve { background: #2563eb; color: white; }
        .deny { background: #e5e7eb; }
        .error { background: #fee; color: #c00; padding: 10px; border-radius: 4px; margin-bottom: 12px; }
        .done { background: #efe; color: #060; padding: 10px; border-radius: 4px; }
    </style>
</head>
<body>
<div class="card">
    <h1>Connect a device</h1>
    {{if .Message}}<div class="done">{{.Message}}</div>{{else}}
    {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
    <form method="POST" action="{{.Action}}">
        <label>Code shown on your device
            <input class="code" type="text" name="user_code" value="{{.UserCode}}" required autocomplete="off">
        </label>
        <label>Username
            <input type="text" name="username" required autofocus>
        </label>
        <label>Password
            <input type="password" name="password" required>
        </label>
        <div class="actions">
            <button class="approve" type="submit" name="action" value="approve">Allow</button>
            <button class="deny" type="submit" name="action" value="deny">Deny</button>
        </div>
    </form>
    {{end}}
</div>
</body>
</html>`))

type verifyPage struct {
	Action   string
	UserCode string
	Error    string
	Message  string
}

// DeviceHandler serves the device authorization endpoint and the page where
// users enter their user code.
type DeviceHandler struct {
	server *oauth.Server
	owners ResourceOwnerAuthenticator
	logger *slog.Logger
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(server *oauth.Server, owners ResourceOwnerAuthenticator) *DeviceHandler {
	return &DeviceHandler{
		server: server,
		owners: owners,
		logger: server.Logger(),
	}
}

// DeviceAuthorization handles POST /device_authorization.
func (h *DeviceHandler) DeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	resp, err := h.server.RespondToDeviceAuthorizationRequest(r.Context(), r)
	if err != nil {
		h.server.WriteError(w, err)
		return
	}
	h.server.WriteResponse(w, resp)
}

// VerifyPage handles GET /device/verify.
func (h *DeviceHandler) VerifyPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, verifyPage{
		Action:   r.URL.Path,
		UserCode: r.URL.Query().Get("user_code"),
	})
}

// Verify handles POST /device/verify.
func (h *DeviceHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.render(w, http.StatusBadRequest, verifyPage{Action: r.URL.Path, Error: "Invalid form submission"})
		return
	}

	page := verifyPage{
		Action:   r.URL.Path,
		UserCode: r.PostFormValue("user_code"),
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if page.UserCode == "" || username == "" || password == "" {
		page.Error = "Code, username and password are required"
		h.render(w, http.StatusBadRequest, page)
		return
	}

	user, err := h.owners.Authenticate(r.Context(), username, password)
	if err != nil {
		h.logger.Error("device verification authentication error", "error", err)
		page.Error = "An error occurred, please try again"
		h.render(w, http.StatusInternalServerError, page)
		return
	}
	if user == nil {
		page.Error = "Invalid username or password"
		h.render(w, http.StatusUnauthorized, page)
		return
	}

	approved := r.PostFormValue("action") != "deny"
	if err := h.server.CompleteDeviceAuthorization(r.Context(), page.UserCode, user.ID, approved); err != nil {
		status, msg := http.StatusBadRequest, "This code is invalid or has expired"
		if pe, ok := autherrors.As(err); !ok || pe.Code == autherrors.CodeServerError {
			h.logger.Error("device verification failed", "error", err)
			status, msg = http.StatusInternalServerError, "An error occurred, please try again"
		}
		page.Error = msg
		h.render(w, status, page)
		return
	}

	h.logger.Info("device authorization decided", "user_id", user.ID, "approved", approved)
	page.Message = "Access denied. You can close this window."
	if approved {
		page.Message = "Device connected. You can return to your device."
	}
	h.render(w, http.StatusOK, page)
}

func (h *DeviceHandler) render(w http.ResponseWriter, status int, page verifyPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := verifyTemplate.Execute(w, page); err != nil {
		h.logger.Error("failed to render verification page", "error", err)
	}
}
