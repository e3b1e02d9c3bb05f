package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/jbliao/stupidlb/pkg/clientset"
	"github.com/jbliao/stupidlb/pkg/inventory"
)

func newPoolCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Print every address of the configured pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			p, err := cfg.BuildPool()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, addr := range p.Addresses() {
				fmt.Fprintln(out, addr)
			}
			return nil
		},
	}
}

func newInventoryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inventory",
		Short: "Print the addresses claimed by LoadBalancer Services in the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			p, err := cfg.BuildPool()
			if err != nil {
				return err
			}

			restConfig, err := ctrl.GetConfig()
			if err != nil {
				return err
			}
			services, err := clientset.NewForConfig(restConfig, ctrl.Log.WithName("clientset"))
			if err != nil {
				return err
			}
			snap, err := inventory.NewScanner(services, ctrl.Log.WithName("inventory")).Scan(cmd.Context(), nil)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"ADDRESS", "OWNER", "IN POOL"})
			for _, addr := range snap.Addresses() {
				owner, _ := snap.Owner(addr)
				t.AppendRow(table.Row{addr, owner.String(), p.Contains(addr)})
			}
			t.AppendFooter(table.Row{"", "free", fmt.Sprintf("%d/%d", len(p.Free(snap.Used())), p.Len())})
			t.Render()
			return nil
		},
	}
}
