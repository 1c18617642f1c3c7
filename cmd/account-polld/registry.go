package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"accountpolld/internal/registry"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "List the plugins in the registry file",
	RunE:  runRegistry,
}

func init() {
	rootCmd.AddCommand(registryCmd)
}

func runRegistry(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path := cfg.Plugins.RegistryPath()
	reg, err := registry.Load(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n\n", path)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tAPP ID\tPROFILE\tSERVICES\tINTERVAL\tAUTH\tEXEC")
	for _, d := range reg.Descriptors {
		services := "*"
		if len(d.Services) > 0 {
			services = strings.Join(d.Services, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			d.Key, d.AppID, d.Profile, services, d.Interval, d.NeedsAuthData, d.Exec)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(reg.Dropped) > 0 {
		fmt.Fprintf(out, "\ndropped:\n")
		for _, d := range reg.Dropped {
			fmt.Fprintf(out, "  %s: %s\n", d.Key, d.Reason)
		}
	}
	return nil
}
