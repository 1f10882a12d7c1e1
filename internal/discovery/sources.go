package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Credential is a device-grant credential set discovered on the local
// machine. Only entries carrying a refresh token plus client registration
// can be imported as pool accounts.
type Credential struct {
	Source       string    `json:"source"`
	StartURL     string    `json:"startUrl,omitempty"`
	Region       string    `json:"region,omitempty"`
	ClientID     string    `json:"clientId,omitempty"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	ConfigPath   string    `json:"configPath"`
}

// Importable reports whether the credential carries enough material to
// refresh itself once imported.
func (c *Credential) Importable() bool {
	return c.RefreshToken != "" && c.ClientID != "" && c.ClientSecret != ""
}

// Source defines a local cache location to scan.
type Source struct {
	Name        string
	Description string
	ConfigPaths []string // glob patterns, ~ expands to the home directory
	Parser      func(path string) (*Credential, error)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Sources lists the known credential caches. The SSO cache holds one JSON
// file per token grant plus client-registration files without tokens; the
// parser skips the latter.
var Sources = []Source{
	{
		Name:        "sso-cache",
		Description: "AWS SSO token cache",
		ConfigPaths: []string{
			"~/.aws/sso/cache/*.json",
		},
		Parser: parseSSOCacheFile,
	},
	{
		Name:        "kiro",
		Description: "Kiro IDE auth cache",
		ConfigPaths: []string{
			"~/.kiro/auth/tokens.json",
		},
		Parser: parseSSOCacheFile,
	},
}

// ssoCacheFile covers both grant files and registration-only files.
type ssoCacheFile struct {
	StartURL     string `json:"startUrl"`
	Region       string `json:"region"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	ExpiresAt    string `json:"expiresAt"`
}

func parseSSOCacheFile(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f ssoCacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.AccessToken == "" && f.RefreshToken == "" {
		// Registration-only file, nothing to import.
		return nil, nil
	}

	cred := &Credential{
		StartURL:     f.StartURL,
		Region:       f.Region,
		ClientID:     f.ClientID,
		ClientSecret: f.ClientSecret,
		AccessToken:  f.AccessToken,
		RefreshToken: f.RefreshToken,
		ConfigPath:   path,
	}
	if f.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, f.ExpiresAt); err == nil {
			cred.ExpiresAt = t
		}
	}
	return cred, nil
}
