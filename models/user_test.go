package models_test

import (
	"strings"
	"testing"

	"gocurate/models"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		wantErr  bool
	}{
		{"valid alphanumeric", "editor1", false},
		{"valid with underscore", "lead_curator", false},
		{"valid uppercase", "LeadCurator", false},
		{"valid minimum length", "abc", false},
		{"too short", "ab", true},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 51), true},
		{"contains space", "lead curator", true},
		{"contains hyphen", "lead-curator", true},
		{"contains special char", "lead$curator", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := models.ValidateUsername(tt.username)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername(%q) error = %v, wantErr %v", tt.username, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	if err := models.ValidatePassword("short"); err == nil {
		t.Error("expected short password to be rejected")
	}
	if err := models.ValidatePassword("longenough"); err != nil {
		t.Errorf("expected 10-char password to pass, got %v", err)
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := models.HashPassword("correct horse battery")
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	if hash == "correct horse battery" {
		t.Fatal("hash must not equal the plaintext")
	}
	if !models.CheckPassword("correct horse battery", hash) {
		t.Error("expected the right password to verify")
	}
	if models.CheckPassword("wrong password!", hash) {
		t.Error("expected the wrong password to fail")
	}
}

func TestCreateUserAndAuthenticate(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	user, err := models.CreateUser(store, models.UserRegisterInput{
		Username: "curator",
		Password: "password123",
	})
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	if user.GUID == "" {
		t.Error("expected a generated GUID")
	}
	if user.PasswordHash == "password123" {
		t.Error("password must be stored hashed")
	}

	// Duplicate usernames are rejected
	_, err = models.CreateUser(store, models.UserRegisterInput{
		Username: "curator",
		Password: "password456",
	})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("expected duplicate username error, got %v", err)
	}

	authed, err := models.AuthenticateUser(store, models.UserLoginInput{
		Username: "curator",
		Password: "password123",
	})
	if err != nil {
		t.Fatalf("authentication errored: %v", err)
	}
	if authed == nil || authed.GUID != user.GUID {
		t.Fatalf("expected the created user back, got %+v", authed)
	}

	// Wrong password and unknown username are indistinguishable
	if u, _ := models.AuthenticateUser(store, models.UserLoginInput{Username: "curator", Password: "nope-nope"}); u != nil {
		t.Error("expected nil user for a wrong password")
	}
	if u, _ := models.AuthenticateUser(store, models.UserLoginInput{Username: "nobody", Password: "password123"}); u != nil {
		t.Error("expected nil user for an unknown username")
	}
}

func TestGetUserByGUID(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	created, err := models.CreateUser(store, models.UserRegisterInput{
		Username: "curator",
		Password: "password123",
	})
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	user, err := models.GetUserByGUID(store, created.GUID)
	if err != nil {
		t.Fatalf("lookup errored: %v", err)
	}
	if user == nil || user.Username != "curator" {
		t.Fatalf("expected the created user, got %+v", user)
	}

	missing, err := models.GetUserByGUID(store, "no-such-guid")
	if err != nil {
		t.Fatalf("missing lookup errored: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for an unknown GUID, got %+v", missing)
	}
}
