/*


Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	_ "k8s.io/client-go/plugin/pkg/client/auth/gcp"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/certwatcher"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	elbv2v1beta1 "github.com/pod-graceful-drain/pod-graceful-drain/apis/elbv2/v1beta1"
	"github.com/pod-graceful-drain/pod-graceful-drain/controllers/drain"
	"github.com/pod-graceful-drain/pod-graceful-drain/controllers/evict"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/config"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/events"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/exposure"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/metrics"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/pdb"
	"github.com/pod-graceful-drain/pod-graceful-drain/pkg/shutdown"
	corewebhook "github.com/pod-graceful-drain/pod-graceful-drain/pkg/webhook"
	"github.com/pod-graceful-drain/pod-graceful-drain/webhooks/core"

	// +kubebuilder:scaffold:imports
)

const (
	flagBindAddr      = "bind-addr"
	flagCertDir       = "cert-dir"
	flagRequiredGroup = "self-recognition-group"

	defaultBindAddr = ":9443"
	defaultCertDir  = "/tmp/k8s-webhook-server/serving-certs"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	_ = clientgoscheme.AddToScheme(scheme)
	_ = elbv2v1beta1.AddToScheme(scheme)
	// +kubebuilder:scaffold:scheme
}

func main() {
	var bindAddr string
	var certDir string
	var requiredGroup string
	cfg := &config.Config{}

	fs := pflag.NewFlagSet("", pflag.ExitOnError)
	cfg.BindFlags(fs)
	fs.StringVar(&bindAddr, flagBindAddr, defaultBindAddr, "Address the combined webhook/healthz/metrics HTTPS server binds to.")
	fs.StringVar(&certDir, flagCertDir, defaultCertDir, "Directory containing tls.crt/tls.key, reloaded on change.")
	fs.StringVar(&requiredGroup, flagRequiredGroup, "system:serviceaccounts", "Kubernetes group the controller's own service account must carry for reentry bypass.")
	fs.AddGoFlagSet(flag.CommandLine)
	if err := fs.Parse(os.Args); err != nil {
		setupLog.Error(err, "invalid flags")
		os.Exit(1)
	}
	cfg.Sanitize()

	ctrl.SetLogger(zap.New(zap.UseDevMode(false)))

	downward, err := config.DownwardAPIFromEnv()
	if err != nil {
		setupLog.Error(err, "invalid downward API environment")
		os.Exit(1)
	}
	instanceID := downward.PodUID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: "0",
		},
		HealthProbeBindAddress: "0",
		LeaderElection:         false,
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	registerer := prometheus.NewRegistry()
	collector := metrics.NewCollector(registerer)
	reporter := events.NewReporter(mgr.GetEventRecorderFor("pod-graceful-drain"))
	detector := exposure.NewDetector(mgr.GetClient(), cfg.ExperimentalGeneralIngress)
	decrementer := pdb.NewDecrementer(mgr.GetClient())
	readiness := shutdown.NewReadiness()
	bus := shutdown.NewBus()

	self := core.SelfRecognition{
		Namespace:      downward.PodNamespace,
		ServiceAccount: downward.PodServiceAccount,
		RequiredGroups: []string{requiredGroup},
	}

	deleteHandler := &core.DeleteHandler{
		Client:      mgr.GetClient(),
		Detector:    detector,
		Reporter:    reporter,
		Self:        self,
		Metrics:     collector,
		DeleteAfter: cfg.DeleteAfter,
		InstanceID:  instanceID,
	}
	evictionHandler := &core.EvictionHandler{
		Client:     mgr.GetClient(),
		Detector:   detector,
		Reporter:   reporter,
		Self:       self,
		Metrics:    collector,
		InstanceID: instanceID,
	}
	if deleteHandler.Decoder, err = admissionDecoder(); err != nil {
		setupLog.Error(err, "unable to build admission decoder")
		os.Exit(1)
	}
	if evictionHandler.Decoder, err = admissionDecoder(); err != nil {
		setupLog.Error(err, "unable to build admission decoder")
		os.Exit(1)
	}

	drainReconciler := &drain.Reconciler{
		Client:      mgr.GetClient(),
		Reporter:    reporter,
		Metrics:     collector,
		InstanceID:  instanceID,
		DeleteAfter: cfg.DeleteAfter,
		Logger:      ctrl.Log.WithName("controllers").WithName("drain"),
	}
	evictReconciler := &evict.Reconciler{
		Client:      mgr.GetClient(),
		Decrementer: decrementer,
		Reporter:    reporter,
		Metrics:     collector,
		InstanceID:  instanceID,
		Logger:      ctrl.Log.WithName("controllers").WithName("evict"),
	}
	if err := drainReconciler.SetupWithManager(mgr, 1); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "drain")
		os.Exit(1)
	}
	if err := evictReconciler.SetupWithManager(mgr, 1); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "evict")
		os.Exit(1)
	}
	// +kubebuilder:scaffold:builder

	readiness.SetNotReady("manager")
	readiness.SetNotReady("webhook-server")

	ctx := ctrl.SetupSignalHandler()

	bus.Register(func(_ context.Context, tok shutdown.Token) error {
		<-tok.Shutdown()
		return nil
	})

	watcher, err := certwatcher.New(certDir+"/tls.crt", certDir+"/tls.key")
	if err != nil {
		setupLog.Error(err, "unable to initialize cert watcher")
		os.Exit(1)
	}
	go func() {
		if err := watcher.Start(ctx); err != nil {
			setupLog.Error(err, "cert watcher stopped")
		}
	}()

	httpServer := &http.Server{
		Addr:    bindAddr,
		Handler: newMux(deleteHandler, evictionHandler, readiness, registerer),
		TLSConfig: &tls.Config{
			GetCertificate: watcher.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		},
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		setupLog.Info("starting webhook server", "addr", bindAddr)
		readiness.SetReady("webhook-server")
		if err := httpServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			setupLog.Error(err, "webhook server stopped unexpectedly")
			bus.TriggerShutdown()
		}
	}()

	go func() {
		<-ctx.Done()
		bus.TriggerDrain()
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(drainCtx)
		bus.TriggerShutdown()
	}()

	setupLog.Info("starting manager")
	readiness.SetReady("manager")
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		bus.TriggerShutdown()
	}

	if err := bus.Wait(); err != nil {
		setupLog.Error(err, "error during shutdown")
	}

	// The process always exits 1 after shutdown: restart is expected to be
	// driven by the pod's restart policy, not a clean-exit/crash distinction.
	os.Exit(1)
}

func admissionDecoder() (admission.Decoder, error) {
	return admission.NewDecoder(scheme)
}

func newMux(deleteHandler *core.DeleteHandler, evictionHandler *core.EvictionHandler, readiness *shutdown.Readiness, registerer *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/webhook/validate", corewebhook.NewHTTPHandler(deleteHandler.HandlerFunc()))
	mux.Handle("/webhook/mutate", corewebhook.NewHTTPHandler(evictionHandler.HandlerFunc()))
	mux.HandleFunc("/healthz", healthzHandler(readiness))
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
	return mux
}

// healthzHandler implements GET /healthz: 200 with an empty not_ready
// list when every registered subsystem is ready, 503 with the list
// otherwise.
func healthzHandler(readiness *shutdown.Readiness) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		notReady := readiness.NotReady()
		status := http.StatusOK
		if len(notReady) > 0 {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string][]string{"not_ready": notReady})
	}
}
