package subject

import (
	"github.com/ruteri/attested-vault-client/interfaces"
)

// PermissionSet holds the subject patterns a credential allows for
// publishing and subscribing. The checks are advisory: the bus enforces the
// authoritative permissions server-side, this set only lets a client fail
// fast before sending.
type PermissionSet struct {
	Publish   []interfaces.SubjectPattern `json:"publish"`
	Subscribe []interfaces.SubjectPattern `json:"subscribe"`
}

// CanPublish reports whether the set allows publishing to a subject.
func (p PermissionSet) CanPublish(subject interfaces.Subject) bool {
	return Permits(p.Publish, subject)
}

// CanSubscribe reports whether the set allows a subscription request.
// A requested pattern is allowed when one of the subscribe patterns covers
// it; a trailing ">" permission covers any narrower request under the same
// prefix.
func (p PermissionSet) CanSubscribe(pattern interfaces.SubjectPattern) bool {
	return Permits(p.Subscribe, interfaces.Subject(pattern))
}
