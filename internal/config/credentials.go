package config

import "strings"

// Environment variable names shown on the configuration error page.
const (
	GeminiKeyEnv = "API_KEY"
	SpeechKeyEnv = "ELEVENLABS_API_KEY"
)

// CredentialMissing reports whether a secret is absent or still a template
// placeholder such as "PLACEHOLDER_API_KEY" or "YOUR_ELEVENLABS_API_KEY_HERE".
func CredentialMissing(value string) bool {
	v := strings.TrimSpace(value)
	if v == "" {
		return true
	}
	return strings.Contains(strings.ToUpper(v), "PLACEHOLDER") || strings.HasPrefix(v, "YOUR_")
}

// MissingCredentials lists the environment variables whose secrets are needed
// by the configured backends but are missing. Local backends need none.
func (c Config) MissingCredentials() []string {
	var missing []string
	if c.LLM.Mode == "gemini" && CredentialMissing(c.LLM.APIKey) {
		missing = append(missing, GeminiKeyEnv)
	}
	if c.TTS.Mode == "elevenlabs" && CredentialMissing(c.TTS.APIKey) {
		missing = append(missing, SpeechKeyEnv)
	}
	return missing
}
