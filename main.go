package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	_ "k8s.io/client-go/plugin/pkg/client/auth"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	vault2kubev1 "github.com/sorah/vault2kube/api/v1"
	"github.com/sorah/vault2kube/internal/clusterclient"
	"github.com/sorah/vault2kube/internal/config"
	"github.com/sorah/vault2kube/internal/driver"
	"github.com/sorah/vault2kube/internal/errs"
	"github.com/sorah/vault2kube/internal/metrics"
	"github.com/sorah/vault2kube/internal/vaultclient"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(vault2kubev1.AddToScheme(scheme))
}

func main() {
	if len(os.Args) < 2 || os.Args[1] != "run" {
		os.Stderr.WriteString("usage: vault2kube run [--namespace|-n <ns>] [--kubeconfig <path>]\n")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("run", flag.ExitOnError)

	var namespace string
	var kubeconfig string
	var metricsAddr string

	fs.StringVar(&namespace, "namespace", "", "Only process VaultStoreRules in this namespace. Defaults to all namespaces.")
	fs.StringVar(&namespace, "n", "", "Shorthand for --namespace.")
	fs.StringVar(&kubeconfig, "kubeconfig", "", "Path to a kubeconfig file. Defaults to in-cluster config.")
	fs.StringVar(&metricsAddr, "metrics-bind-address", "",
		"If set, serve Prometheus metrics on this address for the duration of the run (e.g. a sidecar scrape).")

	opts := zap.Options{
		Development: os.Getenv("VAULT2KUBE_LOGGER_DEVELOPMENT_MODE") != "",
	}
	opts.BindFlags(fs)
	fs.Parse(os.Args[2:])

	logger := zap.New(zap.UseFlagOptions(&opts))
	ctrl.SetLogger(logger)
	ctx := log.IntoContext(ctrl.SetupSignalHandler(), logger)

	os.Exit(run(ctx, namespace, kubeconfig, metricsAddr, logger))
}

func run(ctx context.Context, namespace, kubeconfig, metricsAddr string, logger interface {
	Info(msg string, keysAndValues ...any)
	Error(err error, msg string, keysAndValues ...any)
}) int {
	env, err := config.Load()
	if err != nil {
		logger.Error(err, "failed to load Vault configuration")
		return 1
	}

	runCtx, cancel := context.WithTimeout(ctx, env.RunTimeout)
	defer cancel()

	vault, err := vaultclient.New(runCtx, env)
	if err != nil {
		logger.Error(err, "failed to construct Vault client")
		return 1
	}

	var restConfig *rest.Config
	if kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restConfig, err = ctrl.GetConfig()
	}
	if err != nil {
		logger.Error(err, "failed to load Kubernetes client configuration")
		return 1
	}

	rawClient, err := ctrlclient.New(restConfig, ctrlclient.Options{Scheme: scheme})
	if err != nil {
		logger.Error(err, "failed to construct Kubernetes client")
		return 1
	}
	cluster := clusterclient.New(rawClient)

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	var server *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Error(serveErr, "metrics server exited")
			}
		}()
		defer server.Close()
	}

	runErr := driver.Run(runCtx, namespace, vault, cluster)
	if runErr == nil {
		return 0
	}
	if errors.Is(runErr, errs.RuleExecutionFailed) {
		logger.Error(runErr, "batch completed with failures")
		return 1
	}

	logger.Error(runErr, "batch aborted")
	return 1
}
