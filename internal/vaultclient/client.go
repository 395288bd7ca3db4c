// Package vaultclient is the Vault adapter: the contract from spec.md §4.3
// plus a concrete implementation over github.com/hashicorp/vault/api,
// grounded on the operator's own client construction
// (vault/config.go, internal/vault/client.go) and its Kubernetes JWT
// exchange (internal/vault/auth_kubernetes.go), adapted to this tool's
// file-based in-cluster token bootstrap (spec.md §6) rather than a
// TokenRequest API call.
package vaultclient

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/vault/api"

	"github.com/sorah/vault2kube/internal/config"
	"github.com/sorah/vault2kube/internal/errs"
)

// Lease is the value returned by a successful read or write: an opaque
// credential grant with a bounded lifetime.
type Lease struct {
	LeaseID       string
	LeaseDuration uint32
	Data          map[string]string
}

// RenewResult is returned by a successful renew; it carries only the
// lease's new duration, per spec.md §3.
type RenewResult struct {
	LeaseDuration uint32
}

// Client is the Vault adapter contract from spec.md §4.3.
type Client interface {
	Read(ctx context.Context, path string) (*Lease, error)
	Write(ctx context.Context, path string, params map[string]any) (*Lease, error)
	Renew(ctx context.Context, leaseID string) (*RenewResult, error)
	Revoke(ctx context.Context, leaseID string) error
}

var _ Client = (*client)(nil)

type client struct {
	api *api.Client
}

// New builds a Client from the environment-derived VaultEnv, performing the
// authentication bootstrap described in spec.md §6: a static token is used
// directly when present, otherwise the in-cluster service account JWT is
// exchanged for a Vault token via the Kubernetes auth method.
func New(ctx context.Context, env *config.VaultEnv) (Client, error) {
	cfg := api.DefaultConfig()
	cfg.Address = env.Address

	if env.CACert != "" {
		// api.Config.ConfigureTLS loads the CA bundle via go-rootcerts
		// internally (the same library the operator depends on directly for
		// its own CA handling in vault/config.go), so no separate call is
		// needed here.
		if err := cfg.ConfigureTLS(&api.TLSConfig{CACert: env.CACert}); err != nil {
			return nil, errs.NewConfigError("failed to configure Vault TLS with VAULT_CACERT", err)
		}
	}

	apiClient, err := api.NewClient(cfg)
	if err != nil {
		return nil, errs.NewConfigError("failed to construct Vault client", err)
	}

	if env.Namespace != "" {
		apiClient.SetNamespace(env.Namespace)
	}

	apiClient.SetClientTimeout(0)

	c := &client{api: apiClient}

	if env.UsesStaticToken() {
		apiClient.SetToken(env.Token)
		return c, nil
	}

	if err := c.loginKubernetes(ctx, env); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *client) loginKubernetes(ctx context.Context, env *config.VaultEnv) error {
	jwt, err := os.ReadFile(env.K8sTokenPath)
	if err != nil {
		return errs.NewConfigError(fmt.Sprintf("failed to read Kubernetes service account token at %s", env.K8sTokenPath), err)
	}

	loginPath := fmt.Sprintf("%s/login", env.K8sAuthPath)
	resp, err := c.api.Logical().WriteWithContext(ctx, loginPath, map[string]any{
		"role": env.K8sAuthRole,
		"jwt":  string(jwt),
	})
	if err != nil {
		return errs.NewConfigError("failed to authenticate to Vault via Kubernetes auth", err)
	}
	if resp == nil || resp.Auth == nil || resp.Auth.ClientToken == "" {
		return errs.NewConfigError("Vault Kubernetes auth returned no client token", nil)
	}

	c.api.SetToken(resp.Auth.ClientToken)
	return nil
}

// Every request the spec requires X-Vault-Request and X-Vault-Token
// headers; the api.Client sets both automatically once a token is set via
// SetToken, so no additional header wiring is needed here.

func (c *client) Read(ctx context.Context, path string) (*Lease, error) {
	secret, err := withRetry(ctx, "read", func() (*api.Secret, error) {
		return c.api.Logical().ReadWithContext(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errs.NewSemanticError("read", fmt.Errorf("path %q not found", path))
	}
	return secretToLease(secret), nil
}

func (c *client) Write(ctx context.Context, path string, params map[string]any) (*Lease, error) {
	secret, err := withRetry(ctx, "write", func() (*api.Secret, error) {
		return c.api.Logical().WriteWithContext(ctx, path, params)
	})
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errs.NewSemanticError("write", fmt.Errorf("path %q returned no secret", path))
	}
	return secretToLease(secret), nil
}

func (c *client) Renew(ctx context.Context, leaseID string) (*RenewResult, error) {
	secret, err := withRetry(ctx, "renew", func() (*api.Secret, error) {
		return c.api.Sys().RenewWithContext(ctx, leaseID, 0)
	})
	if err != nil {
		return nil, err
	}
	return &RenewResult{LeaseDuration: uint32(secret.LeaseDuration)}, nil
}

func (c *client) Revoke(ctx context.Context, leaseID string) error {
	_, err := withRetry(ctx, "revoke", func() (*api.Secret, error) {
		// revoke is idempotent best-effort: a 404/not-found-equivalent is
		// treated as success, matching spec.md §4.3.
		rerr := c.api.Sys().RevokeWithContext(ctx, leaseID)
		return nil, rerr
	})
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return nil
	}
	return err
}

func secretToLease(secret *api.Secret) *Lease {
	data := make(map[string]string, len(secret.Data))
	for k, v := range secret.Data {
		if s, ok := v.(string); ok {
			data[k] = s
		} else {
			data[k] = fmt.Sprintf("%v", v)
		}
	}
	return &Lease{
		LeaseID:       secret.LeaseID,
		LeaseDuration: uint32(secret.LeaseDuration),
		Data:          data,
	}
}

// withRetry wraps a Vault call with a bounded exponential backoff, retrying
// only transient errors, following the operator's existing dependency on
// cenkalti/backoff/v4 (used there for lifetime-watcher backoff).
func withRetry(ctx context.Context, op string, fn func() (*api.Secret, error)) (*api.Secret, error) {
	var result *api.Secret

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		secret, err := fn()
		if err == nil {
			result = secret
			return nil
		}

		classified := classify(op, err)
		if _, ok := classified.(*errs.TransientError); ok {
			return classified
		}
		// semantic errors are not retried; wrap in backoff.Permanent so
		// backoff.Retry returns immediately.
		return backoff.Permanent(classified)
	}, b)
	if err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, perm.Err
		}
		return nil, err
	}

	return result, nil
}

func classify(op string, err error) error {
	if respErr, ok := err.(*api.ResponseError); ok {
		if respErr.StatusCode >= 500 || respErr.StatusCode == http.StatusTooManyRequests {
			return errs.NewTransientError(op, err)
		}
		return errs.NewSemanticError(op, err)
	}
	// network-level failures (no HTTP response at all) are transient.
	return errs.NewTransientError(op, err)
}

func isNotFound(err error) bool {
	if respErr, ok := underlyingResponseError(err); ok {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

func underlyingResponseError(err error) (*api.ResponseError, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if respErr, ok := err.(*api.ResponseError); ok {
			return respErr, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
