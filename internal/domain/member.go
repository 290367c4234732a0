package domain

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the membership category a member belongs to at a point in time.
type Tier string

const (
	TierProbation Tier = "probation"
	TierFull      Tier = "full"
)

// EventKind names a stream of change notifications on the bus.
type EventKind string

// EventChange is emitted for every detected change regardless of tier.
const EventChange EventKind = "change"

// EventKind returns the tier-specific event kind, e.g. "probation_change".
func (t Tier) EventKind() EventKind {
	return EventKind(string(t) + "_change")
}

func (t Tier) String() string {
	return string(t)
}

var positionNames = map[string]string{
	"bng":         "Full BN",
	"bng_limited": "Probation BN",
}

// Member is one tracked user as observed by the latest membership sync.
type Member struct {
	ID           int64
	Username     string
	DefaultGroup string
	Tier         Tier
}

// ProfileURL returns the canonical profile page under siteURL.
func (m Member) ProfileURL(siteURL string) string {
	return fmt.Sprintf("%s/u/%d", strings.TrimRight(siteURL, "/"), m.ID)
}

func (m Member) AvatarURL() string {
	return fmt.Sprintf("http://s.ppy.sh/a/%d", m.ID)
}

// Position is the human-readable group label shown in notifications.
func (m Member) Position() string {
	if name, ok := positionNames[m.DefaultGroup]; ok {
		return name
	}
	return m.DefaultGroup
}

// MembershipSnapshot is the full member list of every tier produced by one sync.
// It is never mutated after being published.
type MembershipSnapshot struct {
	Generation uint64
	Members    map[Tier][]Member
	SyncedAt   time.Time
}

// TierMembers returns the members of a tier in snapshot order.
func (s *MembershipSnapshot) TierMembers(tier Tier) []Member {
	if s == nil {
		return nil
	}
	return s.Members[tier]
}

// Count returns the number of members across all tiers.
func (s *MembershipSnapshot) Count() int {
	if s == nil {
		return 0
	}
	total := 0
	for _, members := range s.Members {
		total += len(members)
	}
	return total
}

// ChangeEvent describes a profile text change of a single member.
// Diff is computed once by the tracker and shared read-only between subscribers.
type ChangeEvent struct {
	Kind       EventKind
	Member     Member
	Before     string
	After      string
	Diff       []string
	DetectedAt time.Time
}

// DiffText joins the diff lines the way the webhook renders them.
func (e *ChangeEvent) DiffText() string {
	return strings.Join(e.Diff, "\r\n")
}

// WithKind returns a shallow copy of the event tagged with kind.
func (e *ChangeEvent) WithKind(kind EventKind) *ChangeEvent {
	clone := *e
	clone.Kind = kind
	return &clone
}
