package moderation

import (
	"slices"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Capability is a named permission checked against a principal before a
// privileged action proceeds.
type Capability string

const (
	CapabilityChatSend     Capability = "chat.send"
	CapabilityChatModerate Capability = "chat.moderate"
	CapabilityAdminPanel   Capability = "admin.panel"
	CapabilityAdminUsers   Capability = "admin.users"
	CapabilityAdminRoles   Capability = "admin.roles"
)

// AllCapabilities returns all known capabilities
func AllCapabilities() []Capability {
	return []Capability{
		CapabilityChatSend,
		CapabilityChatModerate,
		CapabilityAdminPanel,
		CapabilityAdminUsers,
		CapabilityAdminRoles,
	}
}

// RoleName represents the name of a chat role
type RoleName string

const (
	RoleUser      RoleName = "user"
	RoleModerator RoleName = "moderator"
	RoleAdmin     RoleName = "admin"
)

// Role defines a set of capabilities granted to its members
type Role struct {
	Name         RoleName     `json:"-" yaml:"-"` // Set from map key during loading
	Description  string       `json:"description" yaml:"description"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
}

// HasCapability checks if this role grants the given capability
func (r *Role) HasCapability(c Capability) bool {
	return slices.Contains(r.Capabilities, c)
}

// DefaultRoles returns the built-in role table used when seeding a fresh
// database.
func DefaultRoles() map[RoleName]*Role {
	return map[RoleName]*Role{
		RoleUser: {
			Name:         RoleUser,
			Description:  "Regular listener",
			Capabilities: []Capability{CapabilityChatSend},
		},
		RoleModerator: {
			Name:         RoleModerator,
			Description:  "Chat moderation",
			Capabilities: []Capability{CapabilityChatSend, CapabilityChatModerate},
		},
		RoleAdmin: {
			Name:         RoleAdmin,
			Description:  "Full control",
			Capabilities: AllCapabilities(),
		},
	}
}

// Principal is a resolved identity with the capability set it held at the
// moment of resolution.
type Principal struct {
	ID           string
	Username     string
	Role         RoleName
	Capabilities []Capability
}

// HasCapability reports whether the principal holds c. A nil principal holds
// nothing.
func (p *Principal) HasCapability(c Capability) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Capabilities, c)
}

// BlockRecord is one durable block entry. Unblocking deactivates the record;
// records are only physically removed by retention cleanup.
type BlockRecord struct {
	ID          string     `json:"id"`
	ClientID    string     `json:"client_id"`
	Active      bool       `json:"active"`
	ActorID     string     `json:"actor_id"`
	Reason      string     `json:"reason"`
	BlockedAt   time.Time  `json:"blocked_at"`
	UnblockedAt *time.Time `json:"unblocked_at,omitempty"`
	UnblockedBy string     `json:"unblocked_by,omitempty"`
}

var recordClock = syntax.NewTIDClock(0)

// NewRecordID returns a sortable, timestamp-based identifier for a block
// record. IDs are strictly increasing within a process.
func NewRecordID() string {
	return recordClock.Next().String()
}
