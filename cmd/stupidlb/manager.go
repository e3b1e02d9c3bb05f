package main

import (
	"context"
	"fmt"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/jbliao/stupidlb/controllers"
	"github.com/jbliao/stupidlb/pkg/allocator"
	"github.com/jbliao/stupidlb/pkg/assigner"
	"github.com/jbliao/stupidlb/pkg/clientset"
	"github.com/jbliao/stupidlb/pkg/config"
	"github.com/jbliao/stupidlb/pkg/driver"
	"github.com/jbliao/stupidlb/pkg/inventory"
)

var setupLog = ctrl.Log.WithName("setup")

func runManager(ctx context.Context, cfg *config.Config) error {
	setupLog.Info("starting stupidlb", "version", Version)

	// the pool is built before anything connects to the cluster
	addrPool, err := cfg.BuildPool()
	if err != nil {
		setupLog.Error(err, "invalid configuration")
		return err
	}
	setupLog.Info("address pool ready", "pool", addrPool.String())

	selectFn, err := allocator.SelectByName(cfg.Selection)
	if err != nil {
		return err
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Metrics: metricsserver.Options{
			BindAddress: cfg.MetricsBindAddress,
		},
		HealthProbeBindAddress: cfg.HealthProbeBindAddress,
		LeaderElection:         cfg.LeaderElection,
		LeaderElectionID:       cfg.LeaderElectionID,
		// LeaderElectionReleaseOnCancel defines if the leader should step down voluntarily
		// when the Manager ends. This requires the binary to immediately end when the
		// Manager is stopped, otherwise, this setting is unsafe.
		LeaderElectionReleaseOnCancel: true,
	})
	if err != nil {
		setupLog.Error(err, "unable to create manager")
		return err
	}

	logger := ctrl.Log.WithName("assigner")
	services := clientset.New(mgr.GetAPIReader(), mgr.GetClient(), ctrl.Log.WithName("clientset"))
	scanner := inventory.NewScanner(services, ctrl.Log.WithName("inventory"))
	reconciler := &controllers.ServiceReconciler{
		Recorder: mgr.GetEventRecorderFor("stupidlb"),
		Services: services,
		Assigner: assigner.New(addrPool, scanner,
			allocator.New(ctrl.Log.WithName("allocator"), selectFn),
			assigner.WithPatcher(services),
			assigner.WithLogger(logger)),
		MaxConcurrentReconciles: cfg.MaxConcurrentReconciles,
	}

	if cfg.Netbox != nil {
		mirror, err := driver.NewNetboxDriver(*cfg.Netbox, ctrl.Log.WithName("netbox"))
		if err != nil {
			setupLog.Error(err, "unable to create netbox driver")
			return err
		}
		reconciler.Mirror = mirror
		if err := mgr.Add(&controllers.MirrorSyncer{
			Driver:   mirror,
			Scanner:  scanner,
			Pool:     addrPool,
			Interval: cfg.NetboxSyncInterval.Duration,
			Log:      ctrl.Log.WithName("mirror"),
		}); err != nil {
			setupLog.Error(err, "unable to add netbox sync")
			return err
		}
	}

	if err := reconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Service")
		return err
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return err
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		return fmt.Errorf("problem running manager: %w", err)
	}
	return nil
}
