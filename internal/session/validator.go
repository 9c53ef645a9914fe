package session

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max chat payload
	MaxTextChars    = 2000 // max character count
	MaxTitleChars   = 200
	MaxVoteOptions  = 20
)

// ValidateMessage checks that a chat message meets content requirements. It
// never rewrites the text.
func ValidateMessage(text string) error {
	if len(strings.TrimSpace(text)) == 0 {
		return fmt.Errorf("%w: text is empty", ErrInvalidMessage)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: contains invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	return nil
}

// validateVote checks a vote about to be opened.
func validateVote(v Vote) error {
	if v.ID == "" {
		return fmt.Errorf("session: vote id is empty")
	}
	if strings.TrimSpace(v.Title) == "" || utf8.RuneCountInString(v.Title) > MaxTitleChars {
		return fmt.Errorf("session: vote %s has an invalid title", v.ID)
	}
	if len(v.Options) < 2 || len(v.Options) > MaxVoteOptions {
		return fmt.Errorf("%w: vote %s needs 2 to %d options", ErrInvalidOption, v.ID, MaxVoteOptions)
	}
	seen := make(map[string]bool, len(v.Options))
	for _, o := range v.Options {
		if strings.TrimSpace(o) == "" || seen[o] {
			return fmt.Errorf("%w: vote %s has an empty or repeated option %q", ErrInvalidOption, v.ID, o)
		}
		seen[o] = true
	}
	return nil
}
