package logging

import (
	"strings"

	"github.com/google/uuid"
)

// keyNamespace scopes generated keys so they never collide with keys
// produced by other name-based UUID users.
var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/Chichichkin/LogTransport/event"))

// NewKey derives a stable event key from its signature parts. The same parts
// always yield the same key, which lets backends upsert repeated occurrences
// onto a single record.
func NewKey(parts ...string) string {
	return uuid.NewSHA1(keyNamespace, []byte(strings.Join(parts, "\x00"))).String()
}
