// Package driver runs one batch over every matching rule, in the style of
// the operator's own reconcile-loop drivers but invoked once per process
// rather than kept running by a manager, per spec.md §2 ("a short-lived
// batch job, not a long-running controller").
package driver

import (
	"context"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/sorah/vault2kube/internal/clusterclient"
	"github.com/sorah/vault2kube/internal/errs"
	"github.com/sorah/vault2kube/internal/rule"
	"github.com/sorah/vault2kube/internal/vaultclient"
)

// Run lists every VaultStoreRule visible in namespace (all namespaces when
// namespace is empty) and processes each serially, in list order, under the
// single deadline carried by ctx. It returns
// errs.RuleExecutionFailed iff at least one rule failed; individual
// failures are logged as they occur and do not stop the batch.
func Run(ctx context.Context, namespace string, vault vaultclient.Client, cluster clusterclient.Client) error {
	logger := log.FromContext(ctx)

	rules, err := cluster.ListRules(ctx, namespace)
	if err != nil {
		return err
	}

	logger.Info("starting batch", "namespace", namespace, "rules", len(rules))

	anyFailed := false
	for i := range rules {
		r := &rules[i]
		ruleLogger := logger.WithValues("rule", r.Name, "namespace", r.Namespace)
		ruleCtx := log.IntoContext(ctx, ruleLogger)

		start := time.Now()
		if err := rule.Run(ruleCtx, time.Now(), r, vault, cluster); err != nil {
			anyFailed = true
			ruleLogger.Error(err, "rule run failed", "elapsed", time.Since(start))
			continue
		}

		ruleLogger.Info("rule run succeeded", "elapsed", time.Since(start))
	}

	if anyFailed {
		return errs.RuleExecutionFailed
	}

	return nil
}
