package contracts

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// namespace scopes every deterministic engine identifier.
var namespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("agent-karma"))

// DeterministicID derives a stable name-based UUID from kind and parts so that
// replaying the same transaction sequence reproduces the same identifiers.
func DeterministicID(kind string, parts ...any) string {
	fields := make([]string, 0, len(parts)+1)
	fields = append(fields, kind)
	for _, p := range parts {
		fields = append(fields, fmt.Sprint(p))
	}
	return uuid.NewSHA1(namespace, []byte(strings.Join(fields, "\x1f"))).String()
}
