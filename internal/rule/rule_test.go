package rule

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	vault2kubev1 "github.com/sorah/vault2kube/api/v1"
	"github.com/sorah/vault2kube/internal/clusterclient"
	"github.com/sorah/vault2kube/internal/vaultclient"
)

// fakeVault is a minimal in-memory vaultclient.Client double. Leases are
// produced from a monotonic counter so each acquisition is distinguishable.
type fakeVault struct {
	nextLeaseID   int
	leaseDuration uint32
	renewed       map[string]uint32
	revoked       []string
	reads         int
	writes        int
	data          map[string]string

	renewErr error
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		leaseDuration: 3600,
		renewed:       map[string]uint32{},
		data:          map[string]string{"value": "s3cr3t"},
	}
}

func (f *fakeVault) Read(ctx context.Context, path string) (*vaultclient.Lease, error) {
	f.reads++
	f.nextLeaseID++
	return &vaultclient.Lease{
		LeaseID:       leaseName(f.nextLeaseID),
		LeaseDuration: f.leaseDuration,
		Data:          f.data,
	}, nil
}

func (f *fakeVault) Write(ctx context.Context, path string, params map[string]any) (*vaultclient.Lease, error) {
	f.writes++
	f.nextLeaseID++
	return &vaultclient.Lease{
		LeaseID:       leaseName(f.nextLeaseID),
		LeaseDuration: f.leaseDuration,
		Data:          f.data,
	}, nil
}

func (f *fakeVault) Renew(ctx context.Context, leaseID string) (*vaultclient.RenewResult, error) {
	if f.renewErr != nil {
		return nil, f.renewErr
	}
	ttl, ok := f.renewed[leaseID]
	if !ok {
		ttl = f.leaseDuration
	}
	return &vaultclient.RenewResult{LeaseDuration: ttl}, nil
}

func (f *fakeVault) Revoke(ctx context.Context, leaseID string) error {
	f.revoked = append(f.revoked, leaseID)
	return nil
}

func leaseName(n int) string {
	return fmt.Sprintf("lease-gen-%d", n)
}

// fakeCluster is a minimal in-memory clusterclient.Client double that tracks
// every status patch and secret write it receives.
type fakeCluster struct {
	statusPatches []vault2kubev1.VaultStoreRuleStatus
	secrets       map[string]map[string]string
	restarted     []string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{secrets: map[string]map[string]string{}}
}

func (f *fakeCluster) ListRules(ctx context.Context, namespace string) ([]vault2kubev1.VaultStoreRule, error) {
	return nil, nil
}

func (f *fakeCluster) PatchRuleStatus(ctx context.Context, rule *vault2kubev1.VaultStoreRule, status vault2kubev1.VaultStoreRuleStatus) error {
	f.statusPatches = append(f.statusPatches, status)
	return nil
}

func (f *fakeCluster) PatchSecret(ctx context.Context, namespace, name string, labels map[string]string, stringData map[string]string) error {
	f.secrets[name] = stringData
	return nil
}

func (f *fakeCluster) PatchWorkload(ctx context.Context, kind, namespace, name string, restartedAt metav1.Time) error {
	f.restarted = append(f.restarted, kind+"/"+name)
	return nil
}

var _ clusterclient.Client = (*fakeCluster)(nil)
var _ vaultclient.Client = (*fakeVault)(nil)

func baseRule() *vault2kubev1.VaultStoreRule {
	return &vault2kubev1.VaultStoreRule{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "db-creds"},
		Spec: vault2kubev1.VaultStoreRuleSpec{
			SourcePath:      "database/creds/app",
			DestinationName: "db-creds",
			Templates: []vault2kubev1.RuleTemplate{
				{Key: "value", Template: "{{.value}}"},
			},
		},
	}
}

func TestRun_ColdStart(t *testing.T) {
	r := baseRule()
	v := newFakeVault()
	c := newFakeCluster()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := Run(context.Background(), now, r, v, c)
	require.NoError(t, err)

	assert.Equal(t, 1, v.reads)
	assert.NotEmpty(t, r.Status.LeaseID)
	assert.Equal(t, "s3cr3t", c.secrets["db-creds"]["value"])
	assert.NotNil(t, r.Status.LastSuccessfulRunAt)
	assert.Empty(t, r.Status.NextLeaseID)
}

func TestRun_RenewNotYetRotate(t *testing.T) {
	r := baseRule()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := metav1.NewTime(now.Add(30 * time.Minute))
	ttl := uint32(3600)
	renewBefore := 3000 // triggers renew, well short of rotation

	r.Spec.RenewBeforeSeconds = &renewBefore
	r.Status = vault2kubev1.VaultStoreRuleStatus{
		LeaseID:   "lease-existing",
		TTL:       &ttl,
		ExpiresAt: &expiresAt,
	}

	v := newFakeVault()
	v.renewed["lease-existing"] = 3600
	c := newFakeCluster()

	err := Run(context.Background(), now, r, v, c)
	require.NoError(t, err)

	assert.Equal(t, 0, v.reads, "renew path must not acquire a new lease")
	assert.Equal(t, "lease-existing", r.Status.LeaseID)
	assert.Empty(t, c.secrets, "a pure renewal does not touch the destination secret")
}

func TestRun_RotateDueToExpiry(t *testing.T) {
	r := baseRule()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := metav1.NewTime(now.Add(-time.Minute)) // already expired
	ttl := uint32(3600)

	r.Status = vault2kubev1.VaultStoreRuleStatus{
		LeaseID:   "lease-old",
		TTL:       &ttl,
		ExpiresAt: &expiresAt,
	}

	v := newFakeVault()
	c := newFakeCluster()

	err := Run(context.Background(), now, r, v, c)
	require.NoError(t, err)

	assert.Equal(t, 1, v.reads)
	assert.Equal(t, "lease-old", r.Status.LastLeaseID)
	assert.NotEqual(t, "lease-old", r.Status.LeaseID)
	assert.Contains(t, c.secrets, "db-creds")
}

func TestRun_CrashRecoveryRevokesOrphan(t *testing.T) {
	r := baseRule()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := metav1.NewTime(now.Add(time.Hour))
	ttl := uint32(3600)

	r.Status = vault2kubev1.VaultStoreRuleStatus{
		LeaseID:     "lease-current",
		TTL:         &ttl,
		ExpiresAt:   &expiresAt,
		NextLeaseID: "lease-orphan",
	}

	v := newFakeVault()
	c := newFakeCluster()

	err := Run(context.Background(), now, r, v, c)
	require.NoError(t, err)

	assert.Contains(t, v.revoked, "lease-orphan")
	assert.Empty(t, r.Status.NextLeaseID)
}

func TestRun_RenewCappedDemotesToRotationSameRun(t *testing.T) {
	r := baseRule()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := metav1.NewTime(now.Add(30 * time.Minute))
	ttl := uint32(3600)
	renewBefore := 3000

	r.Spec.RenewBeforeSeconds = &renewBefore
	r.Status = vault2kubev1.VaultStoreRuleStatus{
		LeaseID:   "lease-capped",
		TTL:       &ttl,
		ExpiresAt: &expiresAt,
	}

	v := newFakeVault()
	// server caps this lease's max-ttl below what it previously had.
	v.renewed["lease-capped"] = 60
	c := newFakeCluster()

	err := Run(context.Background(), now, r, v, c)
	require.NoError(t, err)

	assert.Equal(t, 1, v.reads, "capped renewal must fall through to rotation in the same run")
	assert.Equal(t, "lease-capped", r.Status.LastLeaseID,
		"the pre-clear lease id must be preserved as lastLeaseId, not blanked out")
	assert.NotEqual(t, "lease-capped", r.Status.LeaseID)
}

func TestRun_AnnotationForcesRotate(t *testing.T) {
	r := baseRule()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := metav1.NewTime(now.Add(time.Hour))
	ttl := uint32(3600)
	lastSuccess := metav1.NewTime(now.Add(-2 * time.Hour))

	r.Annotations = map[string]string{
		vault2kubev1.AnnotationRotateRequestedAt: now.Add(-time.Minute).Format(time.RFC3339),
	}
	r.Status = vault2kubev1.VaultStoreRuleStatus{
		LeaseID:             "lease-fresh",
		TTL:                 &ttl,
		ExpiresAt:           &expiresAt,
		LastSuccessfulRunAt: &lastSuccess,
	}

	v := newFakeVault()
	c := newFakeCluster()

	err := Run(context.Background(), now, r, v, c)
	require.NoError(t, err)

	assert.Equal(t, 1, v.reads, "a forced-rotate annotation must rotate even though the lease is far from expiry")
	assert.Equal(t, "lease-fresh", r.Status.LastLeaseID)
}

func TestRun_RolloutRestartsOnRotate(t *testing.T) {
	r := baseRule()
	r.Spec.RolloutRestarts = []vault2kubev1.RolloutRestartTarget{
		{Kind: "Deployment", Name: "app"},
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	v := newFakeVault()
	c := newFakeCluster()

	err := Run(context.Background(), now, r, v, c)
	require.NoError(t, err)

	assert.Equal(t, []string{"Deployment/app"}, c.restarted)
}

func TestRun_NoopWhenNothingDue(t *testing.T) {
	r := baseRule()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := metav1.NewTime(now.Add(time.Hour))
	ttl := uint32(3600)

	r.Status = vault2kubev1.VaultStoreRuleStatus{
		LeaseID:   "lease-steady",
		TTL:       &ttl,
		ExpiresAt: &expiresAt,
	}

	v := newFakeVault()
	c := newFakeCluster()

	err := Run(context.Background(), now, r, v, c)
	require.NoError(t, err)

	assert.Equal(t, 0, v.reads)
	assert.Equal(t, 0, v.writes)
	assert.Empty(t, v.revoked)
	assert.Empty(t, c.secrets)
	assert.Equal(t, "lease-steady", r.Status.LeaseID)
}
