package operator

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	id "nser/pkg/domain"
)

// fileConfig is the operators.yaml layout:
//
//	operators:
//	  - id: acme-bet
//	    webhook_url: https://acme.example/nser
//	    secret_env: ACME_WEBHOOK_SECRET
//	    timeout: 3s
type fileConfig struct {
	Operators []fileOperator `yaml:"operators"`
}

type fileOperator struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name,omitempty"`
	WebhookURL  string `yaml:"webhook_url"`
	Secret      string `yaml:"secret,omitempty"`
	SecretEnv   string `yaml:"secret_env,omitempty"`
	Timeout     string `yaml:"timeout,omitempty"`
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
	Active      *bool  `yaml:"active,omitempty"`
}

// LoadFile reads the registry from path. An empty path yields an empty
// registry; a missing file is an error.
func LoadFile(path string, d Defaults) (*Registry, error) {
	if path == "" {
		return NewRegistry(d)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading operators file: %w", err)
	}
	return Parse(data, d)
}

// Parse builds a registry from operators.yaml content. Secrets may be
// given inline or through secret_env; the environment wins when both are
// set.
func Parse(data []byte, d Defaults) (*Registry, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing operators file: %w", err)
	}
	ops := make([]Operator, 0, len(cfg.Operators))
	var errs []error
	for _, fo := range cfg.Operators {
		o := Operator{
			ID:          id.OperatorID(fo.ID),
			Name:        fo.Name,
			WebhookURL:  fo.WebhookURL,
			Secret:      fo.Secret,
			MaxAttempts: fo.MaxAttempts,
			Active:      fo.Active == nil || *fo.Active,
		}
		if fo.SecretEnv != "" {
			if v := os.Getenv(fo.SecretEnv); v != "" {
				o.Secret = v
			}
		}
		if fo.Timeout != "" {
			t, err := time.ParseDuration(fo.Timeout)
			if err != nil {
				errs = append(errs, fmt.Errorf("operator %s: timeout: %w", fo.ID, err))
				continue
			}
			o.Timeout = t
		}
		ops = append(ops, o)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return NewRegistry(d, ops...)
}
