package gate

import (
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/myBookings", "/myBookings"},
		{"/vehicleDetails/42?tab=photos", "/vehicleDetails/42?tab=photos"},
		{"", ""},
		{"myBookings", ""},
		{"//evil.example.com/x", ""},
		{"/\\evil.example.com", ""},
		{"https://evil.example.com", ""},
		{"javascript:alert(1)", ""},
		{"/ok\r\nSet-Cookie: x=1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizePath(tt.in))
		})
	}
}

func TestIntentFromRequest(t *testing.T) {
	tests := []struct {
		name       string
		from       string
		want       Intent
		returnPath string
	}{
		{"local", "/myVehicles", Intent{AttemptedPath: "/myVehicles"}, "/myVehicles"},
		{"missing", "", Intent{}, "/"},
		{"offsite", "https://evil.example.com/", Intent{}, "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/login"
			if tt.from != "" {
				target += "?" + url.Values{FromParam: {tt.from}}.Encode()
			}
			got := IntentFromRequest(httptest.NewRequest("GET", target, nil))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.returnPath, got.ReturnPath())
		})
	}
}

func TestIntent_RedirectURL(t *testing.T) {
	assert.Equal(t, "/register", Intent{}.RedirectURL("/register"))
	assert.Equal(t, "/register?from=%2FmyBookings", Intent{AttemptedPath: "/myBookings"}.RedirectURL("/register"))
}
