package service

import (
	"strings"

	"github.com/google/uuid"
)

func newSessionID() string {
	return uuid.NewString()
}

// idTagForSession derives the OCPP idTag from the session id. OCPP 1.6 caps
// idTag at 20 characters, so the tag carries the leading 80 bits of the id.
func idTagForSession(sessionID string) string {
	compact := strings.ToUpper(strings.ReplaceAll(sessionID, "-", ""))
	if len(compact) > 20 {
		compact = compact[:20]
	}
	return compact
}
