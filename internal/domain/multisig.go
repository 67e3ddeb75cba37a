package domain

import "time"

// Multisig is a named owner set that authorizes proposals under an
// M-of-N threshold rule.
type Multisig struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string
	Owners      []string
	Threshold   int
	CreatedAt   time.Time
}

// IsOwner reports whether userID belongs to the owner set.
func (m *Multisig) IsOwner(userID string) bool {
	for _, owner := range m.Owners {
		if owner == userID {
			return true
		}
	}
	return false
}

// ValidThreshold reports whether 0 < threshold <= |owners| holds.
func (m *Multisig) ValidThreshold() bool {
	return m.Threshold > 0 && m.Threshold <= len(m.Owners)
}
