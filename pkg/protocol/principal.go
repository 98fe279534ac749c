package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// PrincipalKind names the three handshake variants.
type PrincipalKind string

const (
	KindUser    PrincipalKind = "user"
	KindAgent   PrincipalKind = "agent"
	KindVisitor PrincipalKind = "visitor"
)

// Principal is the identity driving a session. Exactly one of UserToken,
// AgentToken or VisitorToken.
type Principal interface {
	Kind() PrincipalKind
	// Key identifies the principal; two descriptors with the same key
	// describe the same identity.
	Key() string
	Validate() error
}

// UserToken identifies an end user of a customer embedding the widget.
type UserToken struct {
	WidgetID      string `json:"widgetId"`
	CustomerID    string `json:"customerId"`
	CustomerName  string `json:"customerName"`
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	UserAvatarURL string `json:"userAvatarUrl,omitempty"`
	UserEmail     string `json:"userEmail,omitempty"`
	UserHMAC      string `json:"userHMAC,omitempty"`
	UserJWT       string `json:"userJWT,omitempty"`
	UserPaseto    string `json:"userPaseto,omitempty"`
}

func (t *UserToken) Kind() PrincipalKind { return KindUser }

func (t *UserToken) Key() string {
	return fmt.Sprintf("user:%s:%s:%s", t.WidgetID, t.CustomerID, t.UserID)
}

func (t *UserToken) Validate() error {
	return requireFields(KindUser, map[string]string{
		"widgetId":   t.WidgetID,
		"customerId": t.CustomerID,
		"userId":     t.UserID,
	})
}

// AgentToken identifies an operator of a vendor organization.
type AgentToken struct {
	AgentID  string `json:"agentId"`
	VendorID string `json:"vendorId"`
}

func (t *AgentToken) Kind() PrincipalKind { return KindAgent }

func (t *AgentToken) Key() string {
	return fmt.Sprintf("agent:%s:%s", t.VendorID, t.AgentID)
}

func (t *AgentToken) Validate() error {
	return requireFields(KindAgent, map[string]string{
		"agentId":  t.AgentID,
		"vendorId": t.VendorID,
	})
}

// VisitorToken identifies an anonymous visitor of a widget.
type VisitorToken struct {
	WidgetID   string `json:"widgetId"`
	VisitorKey string `json:"visitorKey,omitempty"`
	// Credential is a previously issued visitor credential, if any.
	Credential string `json:"visitorToken,omitempty"`
	Origin     string `json:"origin,omitempty"`
}

func (t *VisitorToken) Kind() PrincipalKind { return KindVisitor }

func (t *VisitorToken) Key() string {
	return fmt.Sprintf("visitor:%s:%s", t.WidgetID, t.VisitorKey)
}

func (t *VisitorToken) Validate() error {
	return requireFields(KindVisitor, map[string]string{"widgetId": t.WidgetID})
}

// SamePrincipal reports whether a and b describe the same identity.
func SamePrincipal(a, b Principal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Key() == b.Key()
}

// IsAgentID reports whether id names an agent. Agent ids carry an "a" prefix.
func IsAgentID(id string) bool {
	return strings.HasPrefix(id, "a")
}

// PersonalTopic builds a per-principal topic such as agent/<id>/badges.
func PersonalTopic(userID, suffix string) string {
	if IsAgentID(userID) {
		return "agent/" + userID + "/" + suffix
	}
	return "user/" + userID + "/" + suffix
}

func requireFields(kind PrincipalKind, fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%s principal missing required fields: %s", kind, strings.Join(missing, ", "))
	}
	return nil
}
