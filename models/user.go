package models

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
	"golang.org/x/crypto/bcrypt"
)

// User is a hub account a workspace authenticates as.
// Design choices:
// - GUID allows external references independent of the row id
// - PasswordHash uses bcrypt and is never exposed in JSON
// - IsActive enables soft account disabling without deletion
// - LastLoginAt tracks login activity for auditing
type User struct {
	ID           int64        `json:"id"`
	GUID         string       `json:"guid"`
	Username     string       `json:"username"`
	PasswordHash string       `json:"-"` // Never exposed in JSON
	IsActive     bool         `json:"is_active"`
	CreatedAt    time.Time    `json:"created_at"`
	LastLoginAt  sql.NullTime `json:"last_login_at"`
}

// UserRegisterInput contains the data required for registration.
// Password is plaintext here; it is hashed before storage.
type UserRegisterInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserLoginInput contains credentials for authentication
type UserLoginInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserOutput is the JSON-friendly representation of a User.
type UserOutput struct {
	ID        int64     `json:"id"`
	GUID      string    `json:"guid"`
	Username  string    `json:"username"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// ToOutput converts a User for API responses
func (u *User) ToOutput() UserOutput {
	return UserOutput{
		ID:        u.ID,
		GUID:      u.GUID,
		Username:  u.Username,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
	}
}

// userColumns matches the scans below
const userColumns = `id, guid, username, password_hash, is_active, created_at, last_login_at`

// Password hashing configuration.
// Cost of 12 keeps login times reasonable (~250ms) at good security.
const bcryptCost = 12

// HashPassword creates a bcrypt hash of the plaintext password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", serr.Wrap(err, "failed to hash password")
	}
	return string(hash), nil
}

// CheckPassword verifies a plaintext password against its hash.
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// ValidatePassword checks password strength. Minimum 8 characters.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return serr.New("password must be at least 8 characters")
	}
	return nil
}

// ValidateUsername requires 3-50 characters, alphanumeric and underscores.
func ValidateUsername(username string) error {
	if len(username) < 3 {
		return serr.New("username must be at least 3 characters")
	}
	if len(username) > 50 {
		return serr.New("username must be at most 50 characters")
	}
	for _, c := range username {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return serr.New("username can only contain letters, numbers, and underscores")
		}
	}
	return nil
}

// CreateUser creates a hub account. Handles password hashing and GUID
// generation; duplicate usernames surface as "already exists".
func CreateUser(s *Store, input UserRegisterInput) (*User, error) {
	if err := ValidateUsername(input.Username); err != nil {
		return nil, err
	}
	if err := ValidatePassword(input.Password); err != nil {
		return nil, err
	}

	passwordHash, err := HashPassword(input.Password)
	if err != nil {
		return nil, err
	}
	userGUID := uuid.New().String()

	tx, err := s.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	user := &User{}
	err = tx.QueryRow(`
		INSERT INTO users (guid, username, password_hash)
		VALUES (?, ?, ?)
		RETURNING `+userColumns,
		userGUID, input.Username, passwordHash).Scan(
		&user.ID, &user.GUID, &user.Username, &user.PasswordHash,
		&user.IsActive, &user.CreatedAt, &user.LastLoginAt,
	)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "UNIQUE") || strings.Contains(errStr, "unique") ||
			strings.Contains(errStr, "duplicate") || strings.Contains(errStr, "Duplicate") {
			return nil, serr.New("username already exists")
		}
		return nil, serr.Wrap(err, "failed to create user")
	}

	// Pin the disk-assigned id into the projection, same as change
	// sequences.
	tx.ExecMem(`
		INSERT INTO users (id, guid, username, password_hash, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.GUID, user.Username, user.PasswordHash, user.IsActive, user.CreatedAt)

	if err = tx.Commit(); err != nil {
		return nil, serr.Wrap(err, "failed to commit user")
	}
	return user, nil
}

// GetUserByUsername returns nil, nil when the user does not exist.
func GetUserByUsername(s *Store, username string) (*User, error) {
	return getUser(s, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
}

// GetUserByGUID returns nil, nil when the user does not exist.
func GetUserByGUID(s *Store, guid string) (*User, error) {
	return getUser(s, `SELECT `+userColumns+` FROM users WHERE guid = ?`, guid)
}

func getUser(s *Store, query string, arg any) (*User, error) {
	user := &User{}
	err := s.QueryRow(query, arg).Scan(
		&user.ID, &user.GUID, &user.Username, &user.PasswordHash,
		&user.IsActive, &user.CreatedAt, &user.LastLoginAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to get user")
	}
	return user, nil
}

// UpdateLastLogin records a successful authentication.
func UpdateLastLogin(s *Store, userID int64) error {
	err := s.WriteThrough(`UPDATE users SET last_login_at = ? WHERE id = ?`,
		time.Now().UTC(), userID)
	if err != nil {
		return serr.Wrap(err, "failed to update last login")
	}
	return nil
}

// AuthenticateUser validates credentials. Returns nil, nil for a bad
// username or password so callers cannot distinguish which failed; a
// disabled account errors explicitly.
func AuthenticateUser(s *Store, input UserLoginInput) (*User, error) {
	user, err := GetUserByUsername(s, input.Username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}
	if !user.IsActive {
		return nil, serr.New("account is disabled")
	}
	if !CheckPassword(input.Password, user.PasswordHash) {
		return nil, nil
	}
	if err := UpdateLastLogin(s, user.ID); err != nil {
		logger.LogErr(err, "failed to update last login")
	}
	return user, nil
}
