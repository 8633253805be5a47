package ssh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Port != 22 {
		t.Errorf("Expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("Expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("Expected connect timeout %v, got %v", DefaultConnectTimeout, config.ConnectTimeout)
	}
	if config.Address() != "example.com:22" {
		t.Errorf("Expected address example.com:22, got %s", config.Address())
	}
}

func TestConfigAddressIPv6(t *testing.T) {
	config := DefaultConfig("::1", "testuser")
	config.Port = 2222
	if config.Address() != "[::1]:2222" {
		t.Errorf("Expected [::1]:2222, got %s", config.Address())
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid password config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 70000 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
			},
			errorMsg: "password is required",
		},
		{
			name:       "key auth without key",
			modifyFunc: func(c *Config) { c.PrivateKeyPath = "" },
			errorMsg:   "private key path is required",
		},
		{
			name:       "unknown auth method",
			modifyFunc: func(c *Config) { c.AuthMethod = "agent" },
			errorMsg:   "unsupported auth method",
		},
		{
			name:       "strict checking without known hosts",
			modifyFunc: func(c *Config) { c.StrictHostKeyChecking = true },
			errorMsg:   "known hosts path is required",
		},
		{
			name:       "zero timeout",
			modifyFunc: func(c *Config) { c.ConnectTimeout = 0 },
			errorMsg:   "connect timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			config.PrivateKeyPath = "/keys/id_ed25519"
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("key", func(t *testing.T) {
		config := DefaultConfig("example.com", "deploy")
		config.PrivateKeyPath = writeTestPrivateKey(t)

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("BuildSSHClientConfig failed: %v", err)
		}
		if clientConfig.User != "deploy" {
			t.Errorf("Expected user deploy, got %s", clientConfig.User)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("Expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("password", func(t *testing.T) {
		config := DefaultConfig("example.com", "deploy")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("BuildSSHClientConfig failed: %v", err)
		}
		if len(clientConfig.Auth) != 2 {
			t.Errorf("Expected password and keyboard-interactive auth, got %d methods", len(clientConfig.Auth))
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "id_bad")
		if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
			t.Fatalf("failed to write key: %v", err)
		}
		config := DefaultConfig("example.com", "deploy")
		config.PrivateKeyPath = path

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Fatal("Expected error for invalid key")
		}
	})

	t.Run("missing known hosts", func(t *testing.T) {
		config := DefaultConfig("example.com", "deploy")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = true
		config.KnownHostsPath = filepath.Join(t.TempDir(), "missing")

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Fatal("Expected error for missing known_hosts")
		}
	})
}
