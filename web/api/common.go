package api

import (
	"gocurate/models"

	"github.com/rohanthewiz/rweb"
)

// Handlers bundles the stores and services the API endpoints need.
// Hub, Workspace and Engine are nil for roles the process does not run;
// routes for those roles are not mounted.
type Handlers struct {
	Hub       *models.Hub
	Workspace *models.Workspace
	Engine    *models.SyncEngine
}

// APIResponse provides a consistent JSON response structure for all API endpoints.
// Success responses include data, error responses include an error message.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// writeSuccess sends a successful JSON response with data.
// Uses rweb's built-in WriteJSON which sets content-type automatically.
func writeSuccess(ctx rweb.Context, status int, data interface{}) error {
	ctx.SetStatus(status)
	return ctx.WriteJSON(APIResponse{Success: true, Data: data})
}

// writeError sends an error JSON response.
func writeError(ctx rweb.Context, status int, message string) error {
	ctx.SetStatus(status)
	return ctx.WriteJSON(APIResponse{Success: false, Error: message})
}

// GetCurrentUserGUID extracts the user GUID from the request context.
// Returns empty string if not authenticated.
func GetCurrentUserGUID(ctx rweb.Context) string {
	guid, _ := ctx.Get("user_guid").(string)
	return guid
}

// IsAuthenticated checks if the request has valid authentication.
func IsAuthenticated(ctx rweb.Context) bool {
	auth, _ := ctx.Get("authenticated").(bool)
	return auth
}
