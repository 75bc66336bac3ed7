package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv loads KEY=VALUE pairs from <root>/.env into the process
// environment. Lines starting with # are ignored by the parser. A missing
// file is fine. Credentials loaded here never leave the host process; the
// children obtain completions through the bridge.
func LoadEnv(root string) error {
	path := filepath.Join(root, ".env")
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ProviderAPIKey returns the credential for a provider, e.g. XAI_API_KEY.
func ProviderAPIKey(provider string) string {
	return os.Getenv(envPrefix(provider) + "_API_KEY")
}

// ProviderBaseURL returns the endpoint override for a provider, e.g.
// OLLAMA_BASE_URL.
func ProviderBaseURL(provider string) string {
	return os.Getenv(envPrefix(provider) + "_BASE_URL")
}

// GoogleCX returns the Google Custom Search engine id for the web-search
// tool.
func GoogleCX() string {
	return os.Getenv("GOOGLE_CX")
}

func envPrefix(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
}
