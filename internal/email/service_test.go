package email

import (
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "host@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "host@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "host@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderInviteTemplate(t *testing.T) {
	data := InviteData{
		AppName:     "Showroom",
		HostName:    "Avery",
		ProductName: "Canvas Sneaker",
		JoinURL:     "https://example.com/join?invite=abc123",
		HasPassword: true,
	}

	html, err := renderTemplate(inviteEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Showroom") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "Avery") {
		t.Error("template should contain host name")
	}
	if !strings.Contains(html, "Canvas Sneaker") {
		t.Error("template should contain product name")
	}
	if !strings.Contains(html, "https://example.com/join?invite=abc123") {
		t.Error("template should contain join URL")
	}
	if !strings.Contains(html, "password") {
		t.Error("template should mention the password when one is set")
	}
}

func TestRenderInviteTemplateWithoutProduct(t *testing.T) {
	data := InviteData{
		AppName:  "Showroom",
		HostName: "Avery",
		JoinURL:  "https://example.com/join?invite=abc123",
	}

	html, err := renderTemplate(inviteEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if strings.Contains(html, "currently looking at") {
		t.Error("template should omit product copy when no product is set")
	}
	if strings.Contains(html, "protected this session") {
		t.Error("template should omit password note when no password is set")
	}
}
