// Package config loads the environment-driven configuration that bootstraps
// the Vault client, following the operator's own envconfig-based options
// struct (internal/options/env.go) and the exact environment contract named
// in spec.md §6.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sorah/vault2kube/internal/errs"
)

const defaultK8sTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// VaultEnv is populated directly from environment variables, unprefixed, to
// match spec.md §6's VAULT_* contract verbatim (the operator's own
// VSOEnvOptions uses a "vso" prefix for its own tunables instead; this
// struct intentionally does not, since these names are Vault's own
// convention, not this tool's).
type VaultEnv struct {
	Address      string `envconfig:"VAULT_ADDR" required:"true"`
	Namespace    string `envconfig:"VAULT_NAMESPACE"`
	CACert       string `envconfig:"VAULT_CACERT"`
	Token        string `envconfig:"VAULT_TOKEN"`
	K8sTokenPath string `envconfig:"VAULT_K8S_TOKEN_PATH" default:"/var/run/secrets/kubernetes.io/serviceaccount/token"`
	K8sAuthPath  string `envconfig:"VAULT_K8S_PATH"`
	K8sAuthRole  string `envconfig:"VAULT_K8S_ROLE"`

	// RunTimeout bounds the whole batch's wall-clock budget. Not part of
	// spec.md's named contract; a tunable ambient addition following the
	// operator's VSO_UPGRADE_CRDS_TIMEOUT precedent.
	RunTimeout time.Duration `envconfig:"VAULT2KUBE_RUN_TIMEOUT" default:"5m"`
}

// Load parses VaultEnv from the process environment and validates the
// conditional requirement from spec.md §6: when VAULT_TOKEN is absent, both
// VAULT_K8S_PATH and VAULT_K8S_ROLE are required.
func Load() (*VaultEnv, error) {
	var e VaultEnv
	if err := envconfig.Process("", &e); err != nil {
		return nil, errs.NewConfigError("failed to parse environment", err)
	}

	if e.K8sTokenPath == "" {
		e.K8sTokenPath = defaultK8sTokenPath
	}

	if e.Token == "" {
		if e.K8sAuthPath == "" || e.K8sAuthRole == "" {
			return nil, errs.NewConfigError(
				"VAULT_K8S_PATH and VAULT_K8S_ROLE are required when VAULT_TOKEN is absent", nil)
		}
	}

	return &e, nil
}

// UsesStaticToken reports whether a static VAULT_TOKEN was supplied, in
// which case the Kubernetes auth exchange is skipped entirely.
func (e *VaultEnv) UsesStaticToken() bool {
	return e.Token != ""
}
