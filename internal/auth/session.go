// Package auth drives the per-principal handshake over the correlator and
// publishes the resulting session.
package auth

import "fogsync/pkg/protocol"

// State is the handshake state of the machine.
type State string

const (
	StateDisconnected    State = "disconnected"
	StateConnecting      State = "connecting"
	StateHandshaking     State = "handshaking"
	StateAuthenticated   State = "authenticated"
	StateWrongCredential State = "wrong-credential"
)

// UserType classifies the authenticated identity.
type UserType string

const (
	UserTypeUser              UserType = "user"
	UserTypeVisitorVerified   UserType = "visitor-verified"
	UserTypeVisitorUnverified UserType = "visitor-unverified"
)

// Session is the identity resolved by a successful handshake.
type Session struct {
	SessionID        string
	UserID           string
	HelpdeskID       string
	Helpdesk         *protocol.Helpdesk
	AgentRole        string
	AvatarLibraryURL string
	UserType         UserType
	Principal        protocol.PrincipalKind
}

// IsAgent reports whether the session belongs to an operator.
func (s *Session) IsAgent() bool {
	return s != nil && s.Principal == protocol.KindAgent
}

func sessionFromAuthOk(ok *protocol.AuthOk, kind protocol.PrincipalKind) *Session {
	s := &Session{
		SessionID:        ok.SessionID,
		UserID:           ok.UserID,
		HelpdeskID:       ok.HelpdeskID,
		Helpdesk:         ok.Helpdesk,
		AgentRole:        ok.AgentRole,
		AvatarLibraryURL: ok.AvatarLibraryURL,
		UserType:         UserTypeUser,
		Principal:        kind,
	}
	if kind == protocol.KindVisitor {
		s.UserType = UserTypeVisitorUnverified
		if ok.EmailVerified != nil && *ok.EmailVerified {
			s.UserType = UserTypeVisitorVerified
		}
	}
	return s
}
