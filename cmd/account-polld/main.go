// Command account-polld polls online accounts through helper plugins and
// forwards their notifications to the push service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"accountpolld/internal/app"
	"accountpolld/internal/config"
)

var (
	configPath   string
	registryPath string
	accountsPath string
	pluginTO     string
	logLevel     string
	busFlag      string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "account-polld",
	Short: "Poll online accounts for notifications",
	Long: `account-polld runs plugin helpers for each enabled online account and
forwards the notifications they report to the push service. A poll cycle
starts when Poll() is called on com.ubuntu.AccountPolld; Done is emitted
when the cycle finishes.`,
	RunE:              runServe,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon (default)",
	RunE:  runServe,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to config file (JSON or YAML); empty means defaults plus AP_* environment")
	pf.StringVar(&registryPath, "registry", "", "Plugin registry file (default: $XDG_DATA_HOME/account-polld/plugins_data.json)")
	pf.StringVar(&accountsPath, "accounts", "", "Account database file (default: $XDG_DATA_HOME/account-polld/accounts.yaml)")
	pf.StringVar(&pluginTO, "plugin-timeout", "", "Plugin lifetime, e.g. 10s")
	pf.StringVar(&logLevel, "log-level", "", "Log level: TRACE, DEBUG, INFO, WARN or ERROR")
	pf.StringVar(&busFlag, "bus", "", "Bus to use: session or system")

	rootCmd.AddCommand(serveCmd)
}

// overrides maps the flags that were set onto config keys.
func overrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	set := func(flag, key, value string) {
		if cmd.Flags().Changed(flag) {
			out[key] = value
		}
	}
	set("registry", config.KeyPluginsRegistry, registryPath)
	set("accounts", config.KeyAccountsPath, accountsPath)
	set("plugin-timeout", config.KeyPluginsTimeout, pluginTO)
	set("log-level", config.KeyLoggingLevel, logLevel)
	set("bus", config.KeyDBusBus, busFlag)
	return out
}

// loadConfig resolves the effective config without starting anything.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	m := config.NewConfigManager(configPath)
	m.SetOverrides(overrides(cmd))
	return m.Parse()
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{ConfigPath: configPath, Overrides: overrides(cmd)})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}
