package roster

import "strings"

// Scope identifies whose roster is materialized.
type Scope struct {
	UserID      string
	WorkspaceID string
	HelpdeskID  string
}

// IsAgent reports whether the scope's user is an agent. Agent ids carry an
// "a" prefix.
func (s Scope) IsAgent() bool {
	return strings.HasPrefix(s.UserID, "a")
}

func (s Scope) owner() string {
	switch {
	case s.WorkspaceID != "":
		return "workspace/" + s.WorkspaceID
	case s.HelpdeskID != "":
		return "helpdesk/" + s.HelpdeskID
	}
	return ""
}

func (s Scope) personal(suffix string) string {
	if s.UserID == "" {
		return ""
	}
	kind := "user"
	if s.IsAgent() {
		kind = "agent"
	}
	return kind + "/" + s.UserID + "/" + suffix
}

func (s Scope) scoped(suffix string) string {
	owner := s.owner()
	if owner == "" {
		return ""
	}
	return owner + "/" + suffix
}

// RosterTopic is the sectioned roster topic, or "" without a workspace or
// helpdesk.
func (s Scope) RosterTopic() string { return s.scoped("roster") }

// RoomsTopic is the flat room stream.
func (s Scope) RoomsTopic() string { return s.scoped("rooms") }

// UsersTopic streams user profile updates.
func (s Scope) UsersTopic() string { return s.scoped("users") }

// CustomersTopic is only available to workspace scopes.
func (s Scope) CustomersTopic() string {
	if s.WorkspaceID == "" {
		return ""
	}
	return "workspace/" + s.WorkspaceID + "/customers"
}

// BadgesTopic streams the user's unread counters.
func (s Scope) BadgesTopic() string { return s.personal("badges") }

// SeenTopic streams the user's seen watermarks.
func (s Scope) SeenTopic() string { return s.personal("seen") }
