package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	vault2kubev1 "github.com/sorah/vault2kube/api/v1"
	"github.com/sorah/vault2kube/internal/clusterclient"
	"github.com/sorah/vault2kube/internal/errs"
	"github.com/sorah/vault2kube/internal/vaultclient"
)

type stubCluster struct {
	rules     []vault2kubev1.VaultStoreRule
	listErr   error
	patchErrs map[string]error
}

func (s *stubCluster) ListRules(ctx context.Context, namespace string) ([]vault2kubev1.VaultStoreRule, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.rules, nil
}

func (s *stubCluster) PatchRuleStatus(ctx context.Context, rule *vault2kubev1.VaultStoreRule, status vault2kubev1.VaultStoreRuleStatus) error {
	if s.patchErrs != nil {
		if err, ok := s.patchErrs[rule.Name]; ok {
			return err
		}
	}
	return nil
}

func (s *stubCluster) PatchSecret(ctx context.Context, namespace, name string, labels map[string]string, stringData map[string]string) error {
	return nil
}

func (s *stubCluster) PatchWorkload(ctx context.Context, kind, namespace, name string, restartedAt metav1.Time) error {
	return nil
}

var _ clusterclient.Client = (*stubCluster)(nil)

type stubVault struct{}

func (stubVault) Read(ctx context.Context, path string) (*vaultclient.Lease, error) {
	return &vaultclient.Lease{LeaseID: "lease-1", LeaseDuration: 3600, Data: map[string]string{"value": "x"}}, nil
}

func (stubVault) Write(ctx context.Context, path string, params map[string]any) (*vaultclient.Lease, error) {
	return &vaultclient.Lease{LeaseID: "lease-1", LeaseDuration: 3600, Data: map[string]string{"value": "x"}}, nil
}

func (stubVault) Renew(ctx context.Context, leaseID string) (*vaultclient.RenewResult, error) {
	return &vaultclient.RenewResult{LeaseDuration: 3600}, nil
}

func (stubVault) Revoke(ctx context.Context, leaseID string) error { return nil }

var _ vaultclient.Client = stubVault{}

func ruleNamed(name string) vault2kubev1.VaultStoreRule {
	return vault2kubev1.VaultStoreRule{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: name},
		Spec: vault2kubev1.VaultStoreRuleSpec{
			SourcePath:      "secret/" + name,
			DestinationName: name,
			Templates: []vault2kubev1.RuleTemplate{
				{Key: "value", Template: "{{.value}}"},
			},
		},
	}
}

func TestRun_AllSucceed(t *testing.T) {
	c := &stubCluster{rules: []vault2kubev1.VaultStoreRule{ruleNamed("a"), ruleNamed("b")}}
	err := Run(context.Background(), "", stubVault{}, c)
	require.NoError(t, err)
}

func TestRun_OneFails(t *testing.T) {
	c := &stubCluster{
		rules:     []vault2kubev1.VaultStoreRule{ruleNamed("a"), ruleNamed("b")},
		patchErrs: map[string]error{"a": errors.New("boom")},
	}

	err := Run(context.Background(), "", stubVault{}, c)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.RuleExecutionFailed)
}

func TestRun_ListFails(t *testing.T) {
	c := &stubCluster{listErr: errors.New("unreachable")}
	err := Run(context.Background(), "", stubVault{}, c)
	require.Error(t, err)
	assert.NotErrorIs(t, err, errs.RuleExecutionFailed)
}

func TestRun_NoRulesIsSuccess(t *testing.T) {
	c := &stubCluster{}
	err := Run(context.Background(), "", stubVault{}, c)
	require.NoError(t, err)
}
