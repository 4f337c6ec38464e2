package subject

import (
	"fmt"
	"strings"

	"github.com/ruteri/attested-vault-client/interfaces"
)

// Direction tokens of the owner-scoped subject convention. App-originated
// messages go to "<owner>.forVault.<operation>"; vault-originated ones to
// "<owner>.forApp.<operation>[.<request_id>]", where a correlated response
// appends the request id as its final token.
const (
	forVaultToken = "forVault"
	forAppToken   = "forApp"
)

// ForVault builds the subject for an app-originated operation.
func ForVault(owner interfaces.OwnerID, operation string) interfaces.Subject {
	return interfaces.Subject(fmt.Sprintf("%s.%s.%s", owner, forVaultToken, operation))
}

// ForApp builds the subject for a vault-originated event with no request id,
// like the vault-ready announcement.
func ForApp(owner interfaces.OwnerID, operation string) interfaces.Subject {
	return interfaces.Subject(fmt.Sprintf("%s.%s.%s", owner, forAppToken, operation))
}

// ForAppResponse builds the subject for a correlated vault response.
func ForAppResponse(owner interfaces.OwnerID, operation, requestID string) interfaces.Subject {
	return interfaces.Subject(fmt.Sprintf("%s.%s.%s.%s", owner, forAppToken, operation, requestID))
}

// AppInbox is the single wildcard pattern covering everything the vault
// sends to the app under an owner namespace.
func AppInbox(owner interfaces.OwnerID) interfaces.SubjectPattern {
	return interfaces.SubjectPattern(fmt.Sprintf("%s.%s.>", owner, forAppToken))
}

// VaultInbox is the wildcard pattern covering everything the app sends to
// the vault under an owner namespace.
func VaultInbox(owner interfaces.OwnerID) interfaces.SubjectPattern {
	return interfaces.SubjectPattern(fmt.Sprintf("%s.%s.>", owner, forVaultToken))
}

// EventSubject is the pattern matching a single vault-originated event
// subject exactly.
func EventSubject(owner interfaces.OwnerID, operation string) interfaces.SubjectPattern {
	return interfaces.SubjectPattern(ForApp(owner, operation))
}

// Operation extracts the operation token from a subject following the
// owner-scoped convention, or "" if the subject is too short.
func Operation(subj interfaces.Subject) string {
	tokens := subj.Tokens()
	if len(tokens) < 3 {
		return ""
	}
	return tokens[2]
}

// LastToken returns the final token of a subject, which for correlated
// responses is the request id.
func LastToken(subj interfaces.Subject) string {
	s := subj.String()
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}
