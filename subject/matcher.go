// Package subject implements wildcard matching for dot-separated bus
// subjects and the permission checks consulted before publish and subscribe
// operations.
package subject

import (
	"github.com/ruteri/attested-vault-client/interfaces"
)

// Wildcard tokens recognized in subject patterns.
const (
	// SingleWildcard matches exactly one subject token of any value.
	SingleWildcard = "*"
	// MultiWildcard matches the full remainder of the subject, including
	// zero tokens. Legal only as the final pattern token.
	MultiWildcard = ">"
)

// Matches reports whether a concrete subject is matched by a pattern.
//
// Matching walks tokens left to right: a literal pattern token must equal
// the subject token at the same position, "*" consumes exactly one subject
// token, and a trailing ">" matches however many tokens remain. A ">" at a
// non-final position never matches, and an empty subject is matched only by
// an empty pattern. The function is total: malformed input yields false,
// never an error.
func Matches(pattern interfaces.SubjectPattern, subject interfaces.Subject) bool {
	patternTokens := pattern.Tokens()
	subjectTokens := subject.Tokens()

	if len(subjectTokens) == 0 {
		return len(patternTokens) == 0
	}

	for i, token := range patternTokens {
		switch token {
		case MultiWildcard:
			return i == len(patternTokens)-1
		case SingleWildcard:
			if i >= len(subjectTokens) {
				return false
			}
		default:
			if i >= len(subjectTokens) || subjectTokens[i] != token {
				return false
			}
		}
	}

	return len(patternTokens) == len(subjectTokens)
}

// Permits reports whether any pattern in the list matches the subject.
func Permits(patterns []interfaces.SubjectPattern, subject interfaces.Subject) bool {
	for _, pattern := range patterns {
		if Matches(pattern, subject) {
			return true
		}
	}
	return false
}
