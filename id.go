package chorus

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562). Used
// for remote-function turn ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

var agentIDDisallowed = regexp.MustCompile(`[^A-Za-z\s-]`)
var agentIDWhitespace = regexp.MustCompile(`\s+`)

// DeriveAgentID turns a human agent name into a stable id: lowercase, strip
// characters outside [A-Za-z\s-], collapse runs of whitespace to a single
// hyphen. Idempotent: DeriveAgentID(DeriveAgentID(name)) == DeriveAgentID(name).
func DeriveAgentID(name string) string {
	id := strings.ToLower(name)
	id = agentIDDisallowed.ReplaceAllString(id, "")
	id = agentIDWhitespace.ReplaceAllString(id, "-")
	return strings.Trim(id, "-")
}
