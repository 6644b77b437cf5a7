// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "localhost", Port: 8080},
		Mail:   MailConfig{Transport: "capture"},
		Recovery: RecoveryConfig{
			TokenTTL:           24 * time.Hour,
			AdminRecipients:    []string{"admin@uhcare.example"},
			NotifyTimeout:      5 * time.Second,
			RateLimitPerMinute: 5,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"capture transport", func(c *Config) {}, ""},
		{
			"smtp transport with host and from",
			func(c *Config) {
				c.Mail = MailConfig{Transport: "smtp", Host: "mail.example.com", From: "noreply@uhcare.example"}
			},
			"",
		},
		{
			"smtp without host",
			func(c *Config) { c.Mail = MailConfig{Transport: "smtp", From: "noreply@uhcare.example"} },
			"requires a host",
		},
		{
			"smtp without from",
			func(c *Config) { c.Mail = MailConfig{Transport: "smtp", Host: "mail.example.com"} },
			"requires a from address",
		},
		{
			"unknown transport",
			func(c *Config) { c.Mail.Transport = "pigeon" },
			"unknown mail transport",
		},
		{
			"bad admin recipient",
			func(c *Config) { c.Recovery.AdminRecipients = []string{"not an address"} },
			"invalid admin recipient",
		},
		{
			"zero token ttl",
			func(c *Config) { c.Recovery.TokenTTL = 0 },
			"token TTL must be positive",
		},
		{
			"no admin recipients is allowed",
			func(c *Config) { c.Recovery.AdminRecipients = nil },
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestBuildBaseURL(t *testing.T) {
	tests := []struct {
		name string
		host string
		port int
		want string
	}{
		{"default port kept in URL", "localhost", 8080, "http://localhost:8080"},
		{"port 80 omitted", "recovery.uhcare.example", 80, "http://recovery.uhcare.example"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Server: ServerConfig{Host: tt.host, Port: tt.port}}
			assert.Equal(t, tt.want, buildBaseURL(cfg))
		})
	}
}
