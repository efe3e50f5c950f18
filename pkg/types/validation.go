package types

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)

// MaxDisplayNameLength bounds participant display names.
const MaxDisplayNameLength = 100

// Validate ensures the session record is internally consistent
func (s *Session) Validate() error {
	if s.ID == "" {
		return ErrMissingSessionID
	}
	if !IsValidUserID(s.OwnerID) {
		return ErrInvalidOwner
	}
	if s.MaxParticipants < 1 {
		return ErrInvalidMaxParticipants
	}
	if len(s.Participants) > s.MaxParticipants {
		return ErrTooManyParticipants
	}
	return nil
}

// IsValidUserID checks if a user ID meets format requirements
// FUNCTIONAL DISCOVERY: 1-50 character limit prevents storage issues
// and ensures reasonable display in UI components
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidDisplayName accepts empty names (the user ID is shown instead) and
// printable names up to MaxDisplayNameLength runes.
func IsValidDisplayName(name string) bool {
	if name == "" {
		return true
	}
	if !utf8.ValidString(name) || utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return false
	}
	if strings.TrimSpace(name) == "" {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
