package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"gocurate/models"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"
)

// AuthResponse contains the user and token returned on successful authentication
type AuthResponse struct {
	User  models.UserOutput `json:"user"`
	Token string            `json:"token"`
}

// Register creates a new user account and returns a JWT token.
// POST /api/v1/auth/register
//
// Request body:
//
//	{
//	  "username": "editor1",
//	  "password": "SecurePass123!"
//	}
//
// Success (201):
//
//	{ "success": true, "data": { "user": {...}, "token": "..." } }
//
// Errors:
//   - 400: Invalid input (missing/weak password, invalid username)
//   - 409: Username already exists
func (h *Handlers) Register(ctx rweb.Context) error {
	var input models.UserRegisterInput
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}

	if input.Username == "" {
		return writeError(ctx, http.StatusBadRequest, "username is required")
	}
	if input.Password == "" {
		return writeError(ctx, http.StatusBadRequest, "password is required")
	}

	user, err := models.CreateUser(h.Hub.Store(), input)
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "already exists") {
			return writeError(ctx, http.StatusConflict, errMsg)
		}
		if strings.Contains(errMsg, "must be") || strings.Contains(errMsg, "can only") {
			return writeError(ctx, http.StatusBadRequest, errMsg)
		}
		logger.LogErr(serr.Wrap(err, "failed to create user"), "username", input.Username)
		return writeError(ctx, http.StatusInternalServerError, "failed to create user")
	}

	token, err := models.GenerateToken(user)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to generate token"), "user_id", user.ID)
		return writeError(ctx, http.StatusInternalServerError, "failed to generate token")
	}

	response := AuthResponse{
		User:  user.ToOutput(),
		Token: token,
	}

	return writeSuccess(ctx, http.StatusCreated, response)
}

// Login authenticates a user and returns a JWT token.
// POST /api/v1/auth/login
//
// Errors:
//   - 400: Missing username or password
//   - 401: Invalid credentials
//   - 403: Account is disabled
func (h *Handlers) Login(ctx rweb.Context) error {
	var input models.UserLoginInput
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}

	if input.Username == "" {
		return writeError(ctx, http.StatusBadRequest, "username is required")
	}
	if input.Password == "" {
		return writeError(ctx, http.StatusBadRequest, "password is required")
	}

	user, err := models.AuthenticateUser(h.Hub.Store(), input)
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "disabled") {
			return writeError(ctx, http.StatusForbidden, "account is disabled")
		}
		logger.LogErr(serr.Wrap(err, "authentication error"), "username", input.Username)
		return writeError(ctx, http.StatusInternalServerError, "authentication error")
	}

	if user == nil {
		// Invalid credentials - don't reveal whether username exists
		return writeError(ctx, http.StatusUnauthorized, "invalid credentials")
	}

	token, err := models.GenerateToken(user)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to generate token"), "user_id", user.ID)
		return writeError(ctx, http.StatusInternalServerError, "failed to generate token")
	}

	response := AuthResponse{
		User:  user.ToOutput(),
		Token: token,
	}

	return writeSuccess(ctx, http.StatusOK, response)
}

// GetCurrentUser returns the authenticated user's profile.
// GET /api/v1/auth/me
//
// Errors:
//   - 401: Missing or invalid token
func (h *Handlers) GetCurrentUser(ctx rweb.Context) error {
	userGUID := GetCurrentUserGUID(ctx)
	if userGUID == "" {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	user, err := models.GetUserByGUID(h.Hub.Store(), userGUID)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to get user"), "user_guid", userGUID)
		return writeError(ctx, http.StatusInternalServerError, "failed to get user")
	}

	if user == nil {
		return writeError(ctx, http.StatusUnauthorized, "user not found")
	}

	return writeSuccess(ctx, http.StatusOK, user.ToOutput())
}
