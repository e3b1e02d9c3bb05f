package main

import (
	goflag "flag"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/jbliao/stupidlb/pkg/config"
	"github.com/jbliao/stupidlb/pkg/driver"
	"github.com/jbliao/stupidlb/pkg/pool"
)

// NetboxAPIKeyEnv keeps the API key off the command line.
const NetboxAPIKeyEnv = "NETBOX_API_KEY"

type rootOptions struct {
	configPath    string
	addressRanges string
	selection     string

	metricsAddr          string
	probeAddr            string
	enableLeaderElection bool
	maxConcurrent        int

	netboxHost         string
	netboxTag          string
	netboxDebug        bool
	netboxSyncInterval time.Duration

	zapOpts zap.Options
}

func newRootCommand() *cobra.Command {
	return newRootCommandWithOptions(&rootOptions{
		zapOpts: zap.Options{Development: os.Getenv("DEBUG") == "true"},
	})
}

func newRootCommandWithOptions(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "stupidlb",
		Short:        "Assign addresses from a static pool to LoadBalancer Services",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts.zapOpts)))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return runManager(cmd.Context(), cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file.")
	flags.StringVar(&opts.addressRanges, "address-ranges", "",
		"Comma separated address ranges (A-B, A/N or A). Overrides the file and "+config.AddressRangesEnv+".")
	flags.StringVar(&opts.selection, "selection", "first", "Free address selection strategy: first or random.")

	runFlags := cmd.Flags()
	runFlags.StringVar(&opts.metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	runFlags.StringVar(&opts.probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	runFlags.BoolVar(&opts.enableLeaderElection, "leader-elect", true, "Enable leader election for controller manager.")
	runFlags.IntVar(&opts.maxConcurrent, "max-concurrent-reconciles", 2, "Number of Services reconciled in parallel.")
	runFlags.StringVar(&opts.netboxHost, "netbox-host", "", "Mirror assignments into this Netbox instance. API key is read from "+NetboxAPIKeyEnv+".")
	runFlags.StringVar(&opts.netboxTag, "netbox-tag", driver.DefaultTag, "Tag marking the Netbox records owned by stupidlb.")
	runFlags.BoolVar(&opts.netboxDebug, "netbox-debug", false, "Log Netbox API traffic.")
	runFlags.DurationVar(&opts.netboxSyncInterval, "netbox-sync-interval", 5*time.Minute, "How often the Netbox mirror is resynced.")

	goFlags := goflag.NewFlagSet("zap", goflag.ExitOnError)
	opts.zapOpts.BindFlags(goFlags)
	flags.AddGoFlagSet(goFlags)

	cmd.AddCommand(newPoolCommand(opts), newInventoryCommand(opts))
	return cmd
}

// loadConfig layers explicitly set flags over the file and environment.
func (o *rootOptions) loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	if flags.Changed("address-ranges") {
		cfg.AddressRanges = pool.Split(o.addressRanges)
	}
	if flags.Changed("selection") {
		cfg.Selection = o.selection
	}
	if flags.Changed("metrics-bind-address") {
		cfg.MetricsBindAddress = o.metricsAddr
	}
	if flags.Changed("health-probe-bind-address") {
		cfg.HealthProbeBindAddress = o.probeAddr
	}
	if flags.Changed("leader-elect") {
		cfg.LeaderElection = o.enableLeaderElection
	}
	if flags.Changed("max-concurrent-reconciles") {
		cfg.MaxConcurrentReconciles = o.maxConcurrent
	}
	if flags.Changed("netbox-host") {
		if cfg.Netbox == nil {
			cfg.Netbox = &driver.NetboxDriverConfig{}
		}
		cfg.Netbox.Host = o.netboxHost
	}
	if cfg.Netbox != nil {
		if flags.Changed("netbox-tag") || cfg.Netbox.Tag == "" {
			cfg.Netbox.Tag = o.netboxTag
		}
		if flags.Changed("netbox-debug") {
			cfg.Netbox.Debug = o.netboxDebug
		}
		if key := os.Getenv(NetboxAPIKeyEnv); key != "" {
			cfg.Netbox.APIKey = key
		}
	}
	if flags.Changed("netbox-sync-interval") {
		cfg.NetboxSyncInterval = metav1.Duration{Duration: o.netboxSyncInterval}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
