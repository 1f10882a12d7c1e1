package discovery

import (
	"log"
	"path/filepath"
)

// ScanResult holds the credentials found across all sources.
type ScanResult struct {
	Credentials []Credential `json:"credentials"`
	Errors      []ScanError  `json:"errors,omitempty"`
}

// ScanError records a file that matched a source but could not be parsed.
type ScanError struct {
	Source string `json:"source"`
	Path   string `json:"path"`
	Error  string `json:"error"`
}

// ScanAll scans every known source.
func ScanAll() *ScanResult {
	return Scan(Sources)
}

// Scan scans the given sources for importable credentials.
func Scan(sources []Source) *ScanResult {
	result := &ScanResult{
		Credentials: make([]Credential, 0),
		Errors:      make([]ScanError, 0),
	}

	for _, source := range sources {
		creds, errs := scanSource(source)
		result.Credentials = append(result.Credentials, creds...)
		result.Errors = append(result.Errors, errs...)
	}

	log.Printf("🔍 Discovery: found %d credentials from %d sources", len(result.Credentials), len(sources))
	return result
}

func scanSource(source Source) ([]Credential, []ScanError) {
	var credentials []Credential
	var errors []ScanError

	for _, pattern := range source.ConfigPaths {
		matches, err := filepath.Glob(expandPath(pattern))
		if err != nil {
			errors = append(errors, ScanError{Source: source.Name, Path: pattern, Error: err.Error()})
			continue
		}

		for _, path := range matches {
			cred, err := source.Parser(path)
			if err != nil {
				errors = append(errors, ScanError{Source: source.Name, Path: path, Error: err.Error()})
				continue
			}
			if cred == nil {
				continue
			}
			cred.Source = source.Name
			log.Printf("🔍 Found credentials from %s: %s", source.Name, path)
			credentials = append(credentials, *cred)
		}
	}

	return credentials, errors
}

// MaskToken shortens a token for display.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// Masked returns a display copy of the credential with tokens shortened.
func Masked(cred Credential) Credential {
	masked := cred
	masked.AccessToken = MaskToken(cred.AccessToken)
	masked.RefreshToken = MaskToken(cred.RefreshToken)
	masked.ClientSecret = MaskToken(cred.ClientSecret)
	return masked
}
