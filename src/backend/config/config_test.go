package config

import (
	"strings"
	"testing"
)

func TestValidatePort(t *testing.T) {
	testCases := []struct {
		name      string
		port      string
		fieldName string
		expectErr bool
		errString string
	}{
		{
			name:      "valid port",
			port:      ":8000",
			fieldName: "ServerPort",
			expectErr: false,
		},
		{
			name:      "empty port",
			port:      "",
			fieldName: "ServerPort",
			expectErr: true,
			errString: "ServerPort: port cannot be empty",
		},
		{
			name:      "no colon",
			port:      "8000",
			fieldName: "ServerPort",
			expectErr: true,
			errString: "ServerPort: port must be in format ':PORT' where PORT is numeric (current value: 8000)",
		},
		{
			name:      "non-numeric",
			port:      ":abcd",
			fieldName: "ServerPort",
			expectErr: true,
			errString: "ServerPort: port must be in format ':PORT' where PORT is numeric (current value: :abcd)",
		},
		{
			name:      "port out of range (low)",
			port:      ":0",
			fieldName: "ServerPort",
			expectErr: true,
			errString: "ServerPort: port must be between 1 and 65535 (current value: 0)",
		},
		{
			name:      "port out of range (high)",
			port:      ":65536",
			fieldName: "ServerPort",
			expectErr: true,
			errString: "ServerPort: port must be between 1 and 65535 (current value: 65536)",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validatePort(tc.port, tc.fieldName)
			if tc.expectErr {
				if err == nil {
					t.Errorf("expected an error, but got nil")
				} else if err.Error() != tc.errString {
					t.Errorf("expected error string '%s', but got '%s'", tc.errString, err.Error())
				}
			} else if err != nil {
				t.Errorf("expected no error, but got: %v", err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
	if cfg.Model.Threshold != 0 {
		t.Errorf("expected default threshold 0, got %g", cfg.Model.Threshold)
	}
	if cfg.DetectorName != DetectorONNX {
		t.Errorf("expected default detector %s, got %s", DetectorONNX, cfg.DetectorName)
	}
	if cfg.Database.Enabled {
		t.Error("expected database audit log to be disabled by default")
	}
	if cfg.Logging.LogVerbose {
		t.Error("expected verbose logging to be disabled by default")
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(*Config)
		errSubstr string
	}{
		{
			name:   "defaults",
			modify: func(c *Config) {},
		},
		{
			name:      "bad port",
			modify:    func(c *Config) { c.ServerPort = "8000" },
			errSubstr: "ServerPort",
		},
		{
			name:      "unknown detector",
			modify:    func(c *Config) { c.DetectorName = "spacy" },
			errSubstr: "unknown detector",
		},
		{
			name: "model detector without url",
			modify: func(c *Config) {
				c.DetectorName = DetectorModel
				c.Model.BaseURL = " "
			},
			errSubstr: "Model.BaseURL",
		},
		{
			name:      "threshold above one",
			modify:    func(c *Config) { c.Model.Threshold = 1.5 },
			errSubstr: "Model.Threshold",
		},
		{
			name:      "negative rps",
			modify:    func(c *Config) { c.RateLimit.RPS = -1 },
			errSubstr: "RateLimit.RPS",
		},
		{
			name: "rate limit without burst",
			modify: func(c *Config) {
				c.RateLimit.RPS = 10
				c.RateLimit.Burst = 0
			},
			errSubstr: "RateLimit.Burst",
		},
		{
			name: "database port out of range",
			modify: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Port = 0
			},
			errSubstr: "Database.Port",
		},
		{
			name: "disabled database is not checked",
			modify: func(c *Config) {
				c.Database.Port = 0
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.errSubstr == "" {
				if err != nil {
					t.Errorf("expected no error, but got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected an error containing %q, but got nil", tc.errSubstr)
			}
			if !strings.Contains(err.Error(), tc.errSubstr) {
				t.Errorf("expected error containing %q, but got '%s'", tc.errSubstr, err.Error())
			}
		})
	}
}

func TestLoggingConfigGetters(t *testing.T) {
	lc := LoggingConfig{LogRequests: true, LogPIIChanges: false, LogVerbose: true}

	if !lc.GetLogRequests() || lc.GetLogPIIChanges() || !lc.GetLogVerbose() {
		t.Errorf("getters do not reflect fields: %+v", lc)
	}
}
