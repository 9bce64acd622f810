package mirror

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Endpoint is a resolved mirror gateway connection.
type Endpoint struct {
	// base git URL of the gateway
	URL string `yaml:"url"`

	// credentials handed to the credential helper
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// EnforcePermissions makes the gateway check per-user permissions,
	// pushes then carry the acting user in the on-behalf-of component
	EnforcePermissions bool `yaml:"enforce_permissions"`
}

// Resolver yields resolved connection parameters for a named mirror
// endpoint, or fails if the endpoint is unresolvable.
type Resolver interface {
	Resolve(id string) (*Endpoint, error)
}

// Config maps endpoint identifiers to their connection parameters. It is the
// file-backed Resolver implementation.
type Config struct {
	Endpoints map[string]*Endpoint `yaml:"endpoints"`
}

// ParseConfig parses the YAML endpoint configuration.
func ParseConfig(data []byte) (*Config, error) {
	conf := &Config{}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("unable to parse mirror config err:%w", err)
	}
	for id, ep := range conf.Endpoints {
		if ep == nil || ep.URL == "" {
			return nil, configErrorf("endpoint '%s' has no url", id)
		}
	}
	return conf, nil
}

// LoadConfig reads and parses the YAML endpoint configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read mirror config err:%w", err)
	}
	return ParseConfig(data)
}

// Resolve returns the named endpoint or a ConfigError if it is unknown.
func (c *Config) Resolve(id string) (*Endpoint, error) {
	ep, ok := c.Endpoints[id]
	if !ok {
		return nil, configErrorf("unresolvable mirror endpoint '%s'", id)
	}
	return ep, nil
}
