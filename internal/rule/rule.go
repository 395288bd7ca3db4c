// Package rule implements the per-rule lifecycle state machine: the decide
// -> act -> persist pipeline described in spec.md §4.5. It is the 45%-share
// core of this tool. This package owns no I/O primitives of its own; it
// orchestrates the vaultclient.Client and clusterclient.Client adapter
// contracts, which is what makes it unit-testable against fakes, following
// the operator's own fake-credential-provider precedent
// (internal/credentials/fake.go) for isolating business logic from live
// clients.
package rule

import (
	"context"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	vault2kubev1 "github.com/sorah/vault2kube/api/v1"
	"github.com/sorah/vault2kube/internal/clock"
	"github.com/sorah/vault2kube/internal/clusterclient"
	"github.com/sorah/vault2kube/internal/errs"
	"github.com/sorah/vault2kube/internal/metrics"
	"github.com/sorah/vault2kube/internal/template"
	"github.com/sorah/vault2kube/internal/vaultclient"
)

// Run executes the full decide -> act -> persist pipeline for a single
// rule, mutating rule.Status along the way and persisting it to the
// cluster at the points named in spec.md §4.5. now is injected so the
// state machine stays a pure function of its inputs plus the adapters.
func Run(ctx context.Context, now time.Time, r *vault2kubev1.VaultStoreRule,
	vault vaultclient.Client, cluster clusterclient.Client,
) error {
	logger := log.FromContext(ctx)
	start := time.Now()

	outcome := "success"
	defer func() {
		metrics.RuleRunsTotal.WithLabelValues(outcome).Inc()
		metrics.RuleDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	if err := run(ctx, logger, now, r, vault, cluster); err != nil {
		outcome = "failure"
		return err
	}

	return nil
}

func run(ctx context.Context, logger interface {
	Info(msg string, keysAndValues ...any)
	Error(err error, msg string, keysAndValues ...any)
}, now time.Time, r *vault2kubev1.VaultStoreRule,
	vault vaultclient.Client, cluster clusterclient.Client,
) error {
	status := r.Status

	// Entry snapshot: these values drive every decision below and are never
	// refreshed from later mutations to status, per spec.md §4.5.
	origExpiresAt := timeFromMeta(status.ExpiresAt)
	leaseNotExists := status.LeaseID == ""
	orphanedLeaseID := status.NextLeaseID
	lastSuccessfulRunAt := timeFromMeta(status.LastSuccessfulRunAt)

	// Step 1: persist run start.
	nowMeta := metav1.NewTime(now)
	status.LastRunStartedAt = &nowMeta
	if err := cluster.PatchRuleStatus(ctx, r, status); err != nil {
		return err
	}

	// Step 2: decide flags.
	needsDiscard := origExpiresAt != nil && !origExpiresAt.After(now)
	if needsDiscard {
		logger.Info("discarding current lease, appears to be expired", "leaseId", status.LeaseID)
	}

	needsRotate := leaseNotExists ||
		needsDiscard ||
		clock.AnnotationRequested(lastSuccessfulRunAt, r.Annotations[vault2kubev1.AnnotationRotateRequestedAt]) ||
		clock.PastDeadline(now, origExpiresAt, r.Spec.RotateBeforeSeconds)

	needsRenew := clock.AnnotationRequested(lastSuccessfulRunAt, r.Annotations[vault2kubev1.AnnotationRenewRequestedAt]) ||
		clock.PastDeadline(now, origExpiresAt, r.Spec.RenewBeforeSeconds)

	// Step 3: revoke the previous-generation lease, before any new lease is
	// made current.
	if status.LastLeaseID != "" {
		rotatedAt := timeFromMeta(status.RotatedAt)
		negatedRevokeAfter := negate(r.Spec.RevokeAfterSeconds)
		if clock.PastDeadline(now, rotatedAt, negatedRevokeAfter) || needsRotate {
			if err := vault.Revoke(ctx, status.LastLeaseID); err != nil {
				return err
			}
			metrics.RevocationsTotal.WithLabelValues(r.Name, "superseded").Inc()
			status.LastLeaseID = ""
		}
	}

	// Step 4: renew in place.
	if !needsDiscard && !needsRotate && needsRenew {
		result, err := vault.Renew(ctx, status.LeaseID)
		if err != nil {
			return err
		}

		var originalTTL uint32
		if status.TTL != nil {
			originalTTL = *status.TTL
		}

		ttl := result.LeaseDuration
		status.TTL = &ttl
		expiresAt := metav1.NewTime(now.Add(time.Duration(ttl) * time.Second))
		status.ExpiresAt = &expiresAt

		if result.LeaseDuration < originalTTL {
			// Capped to max-TTL: demote to rotation. The pre-clear leaseId
			// must be snapshotted before leaseId is zeroed -- see spec.md §9
			// for the ordering bug this corrects.
			previousLeaseID := status.LeaseID
			status.LeaseID = ""
			status.TTL = nil
			status.ExpiresAt = nil
			status.LastLeaseID = previousLeaseID
			rotatedAtNow := metav1.NewTime(now)
			status.RotatedAt = &rotatedAtNow
			needsRotate = true

			logger.Info("renewal capped below previous ttl, demoting to rotation",
				"originalTtl", originalTTL, "renewedTtl", result.LeaseDuration)
		}
	}

	// Step 5: rotate.
	if needsRotate {
		lease, err := acquireLease(ctx, vault, r)
		if err != nil {
			return err
		}

		if status.LeaseID != "" {
			status.LastLeaseID = status.LeaseID
			rotatedAtNow := metav1.NewTime(now)
			status.RotatedAt = &rotatedAtNow
		}

		status.LeaseID = lease.LeaseID
		ttl := lease.LeaseDuration
		status.TTL = &ttl
		expiresAt := metav1.NewTime(now.Add(time.Duration(ttl) * time.Second))
		status.ExpiresAt = &expiresAt

		// Persist nextLeaseId immediately: a crash between acquisition and
		// secret materialization would otherwise strand this lease with no
		// reference anywhere.
		if err := cluster.PatchRuleStatus(ctx, r, vault2kubev1.VaultStoreRuleStatus{
			NextLeaseID: lease.LeaseID,
		}); err != nil {
			return err
		}

		keyed := make([]template.KeyedTemplate, 0, len(r.Spec.Templates))
		for _, t := range r.Spec.Templates {
			keyed = append(keyed, template.KeyedTemplate{Key: t.Key, Template: t.Template})
		}

		rendered, err := template.RenderAll(keyed, lease.Data)
		if err != nil {
			return errs.NewSemanticError("renderTemplates", err)
		}

		if err := cluster.PatchSecret(ctx, r.Namespace, r.Spec.DestinationName,
			map[string]string{clusterclient.LabelRule: r.Name}, rendered); err != nil {
			return err
		}

		if err := cluster.PatchRuleStatus(ctx, r, vault2kubev1.VaultStoreRuleStatus{}); err != nil {
			return err
		}

		metrics.RotationsTotal.WithLabelValues(r.Name).Inc()
	}

	// Step 6: rollout.
	if needsRotate && len(r.Spec.RolloutRestarts) > 0 {
		nowMeta := metav1.NewTime(now)
		for _, target := range r.Spec.RolloutRestarts {
			logger.Info("restarting rollout target", "kind", target.Kind, "name", target.Name)
			if err := cluster.PatchWorkload(ctx, target.Kind, r.Namespace, target.Name, nowMeta); err != nil {
				return err
			}
		}
	}

	// Step 7: revoke the orphan recorded on entry, now that any new lease
	// has fully superseded it.
	if orphanedLeaseID != "" {
		logger.Info("revoking orphaned lease from a prior crashed run", "leaseId", orphanedLeaseID)
		if err := vault.Revoke(ctx, orphanedLeaseID); err != nil {
			return err
		}
		metrics.RevocationsTotal.WithLabelValues(r.Name, "orphan").Inc()
	}

	// Step 8: finalize.
	status.NextLeaseID = ""
	successAt := metav1.NewTime(now)
	status.LastSuccessfulRunAt = &successAt

	if err := cluster.PatchRuleStatus(ctx, r, status); err != nil {
		return err
	}

	r.Status = status
	return nil
}

func acquireLease(ctx context.Context, vault vaultclient.Client, r *vault2kubev1.VaultStoreRule) (*vaultclient.Lease, error) {
	if r.Spec.Parameters != nil {
		return vault.Write(ctx, r.Spec.SourcePath, r.Spec.Parameters)
	}
	return vault.Read(ctx, r.Spec.SourcePath)
}

func timeFromMeta(t *metav1.Time) *time.Time {
	if t == nil {
		return nil
	}
	tt := t.Time
	return &tt
}

func negate(i *int) *int {
	if i == nil {
		return nil
	}
	v := -*i
	return &v
}
