// Package user manages the registered accounts, their on-disk spaces, and
// the device keys bound to each account.
package user

import (
	"fmt"
	"strings"

	"github.com/melosync/melosync/internal/fsjson"
)

// ErrUserNotFound is returned when an operation names an unknown account.
var ErrUserNotFound = fmt.Errorf("user not found")

// User is one account from the users file.
type User struct {
	Name           string `json:"name"`
	Password       string `json:"password"`
	MaxSnapshotNum int    `json:"maxSnapshotNum,omitempty"`
	// AddMusicLocation is where new songs land when a device does not say:
	// "top" or "bottom".
	AddMusicLocation string `json:"addMusicLocationType,omitempty"`
}

// Dirname returns the directory name for the user's data, sanitized so a
// display name cannot escape the users directory.
func (u User) Dirname() string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.':
			return '_'
		}
		return r
	}, u.Name)
	return name
}

// LoadUsers reads the users file.
func LoadUsers(path string) ([]User, error) {
	var users []User
	if err := fsjson.Read(path, &users); err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	for _, u := range users {
		if u.Name == "" || u.Password == "" {
			return nil, fmt.Errorf("users file: every user needs a name and password")
		}
	}
	return users, nil
}

// SaveUsers writes the users file.
func SaveUsers(path string, users []User) error {
	if err := fsjson.Write(path, users); err != nil {
		return fmt.Errorf("writing users file: %w", err)
	}
	return nil
}
