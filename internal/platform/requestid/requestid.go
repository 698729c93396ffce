package requestid

import (
	"strings"

	"github.com/google/uuid"
)

const Header = "X-Request-Id"

const maxLength = 128

func New() string {
	return uuid.NewString()
}

// Sanitize keeps a caller supplied id when it is short and printable, and
// returns "" otherwise.
func Sanitize(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxLength {
		return ""
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return id
}
