package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrincipal_Validate(t *testing.T) {
	tests := []struct {
		name    string
		p       Principal
		wantErr string
	}{
		{"user ok", &UserToken{WidgetID: "w", CustomerID: "c", UserID: "u"}, ""},
		{"user missing ids", &UserToken{WidgetID: "w"}, "customerId, userId"},
		{"agent ok", &AgentToken{AgentID: "a1", VendorID: "v1"}, ""},
		{"agent missing vendor", &AgentToken{AgentID: "a1"}, "vendorId"},
		{"visitor ok", &VisitorToken{WidgetID: "w1"}, ""},
		{"visitor missing widget", &VisitorToken{}, "widgetId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSamePrincipal(t *testing.T) {
	a := &AgentToken{AgentID: "a1", VendorID: "v1"}
	assert.True(t, SamePrincipal(a, &AgentToken{AgentID: "a1", VendorID: "v1"}))
	assert.False(t, SamePrincipal(a, &AgentToken{AgentID: "a2", VendorID: "v1"}))
	assert.False(t, SamePrincipal(a, &VisitorToken{WidgetID: "v1"}))
	assert.False(t, SamePrincipal(a, nil))
	assert.True(t, SamePrincipal(nil, nil))
}

func TestPersonalTopic(t *testing.T) {
	assert.Equal(t, "agent/a123/badges", PersonalTopic("a123", "badges"))
	assert.Equal(t, "user/u123/seen", PersonalTopic("u123", "seen"))
}
