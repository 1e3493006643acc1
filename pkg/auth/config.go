package auth

// Config contains per-provider defaults for SCM access. Account tokens and
// provider base URLs stored with a repository take precedence.
type Config struct {
	GitHub    ProviderConfig `yaml:"github"`
	GitLab    ProviderConfig `yaml:"gitlab"`
	Bitbucket ProviderConfig `yaml:"bitbucket"`
}

// ProviderConfig contains auth configuration for a provider.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

// For returns the configuration of a normalized provider name.
func (c Config) For(provider string) ProviderConfig {
	switch provider {
	case ProviderGitLab:
		return c.GitLab
	case ProviderBitbucket:
		return c.Bitbucket
	default:
		return c.GitHub
	}
}
