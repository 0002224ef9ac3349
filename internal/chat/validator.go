package chat

import (
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	MaxBodyBytes = 4096 // one WebSocket frame worth of text
	MaxBodyChars = 2000
)

// ValidateBody checks that a message body meets content requirements before
// it is forwarded to the backend.
func ValidateBody(text string) error {
	if len(text) == 0 {
		return errors.New("message text is empty")
	}
	if len(text) > MaxBodyBytes {
		return errors.Errorf("message exceeds %d byte limit", MaxBodyBytes)
	}
	if !utf8.ValidString(text) {
		return errors.New("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxBodyChars {
		return errors.Errorf("message exceeds %d character limit", MaxBodyChars)
	}
	return nil
}
