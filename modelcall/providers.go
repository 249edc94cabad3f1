package modelcall

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ProviderConf declares one outbound provider in the registry file.
// The API key itself lives in the environment variable named by
// ApiKeyEnv, never in the file.
type ProviderConf struct {
	ID        string   `toml:"id"`
	BaseUrl   string   `toml:"base_url"`
	ApiKeyEnv string   `toml:"api_key_env"`
	Models    []string `toml:"models"`
	TimeoutMs int      `toml:"timeout_ms"`
}

type registryFile struct {
	Providers []ProviderConf `toml:"providers"`
}

// Registry maps model ids to provider configurations.
type Registry struct {
	providers []ProviderConf
}

func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider config %s: %w", path, err)
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider config: %w", err)
	}
	for _, p := range file.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider with empty id in config")
		}
	}
	return &Registry{providers: file.Providers}, nil
}

func NewRegistry(providers []ProviderConf) *Registry {
	return &Registry{providers: providers}
}

// ProviderFor returns the provider configured for the given model id
func (r *Registry) ProviderFor(modelID string) (ProviderConf, bool) {
	for _, p := range r.providers {
		for _, m := range p.Models {
			if m == modelID {
				return p, true
			}
		}
	}
	return ProviderConf{}, false
}

// Usable reports whether the provider's credentials are present in
// the environment.
func (p *ProviderConf) Usable() bool {
	if p.ApiKeyEnv == "" {
		return true // provider without auth, e.g. a local endpoint
	}
	return os.Getenv(p.ApiKeyEnv) != ""
}

// UsableProviders returns providers whose credentials resolve.
func (r *Registry) UsableProviders() []ProviderConf {
	res := []ProviderConf{}
	for _, p := range r.providers {
		if p.Usable() {
			res = append(res, p)
		}
	}
	return res
}

// MissingCredentials returns the ids of providers that are declared
// but have no resolvable API key. Callers decide whether that is a
// warning (some providers still usable) or an error (none usable).
func (r *Registry) MissingCredentials() []string {
	res := []string{}
	for _, p := range r.providers {
		if !p.Usable() {
			res = append(res, p.ID)
		}
	}
	return res
}

func (r *Registry) Len() int {
	return len(r.providers)
}
