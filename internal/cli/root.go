// Package cli implements sitepipectl, the operator CLI for the control
// plane's HTTP API.
package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCmd builds the sitepipectl command tree. Settings resolve from
// flags, then SITEPIPECTL_ environment variables, then the config file.
func NewRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "sitepipectl",
		Short: "Operate sitepipe delivery pipelines",
		Long: `sitepipectl inspects pipeline runs and drives their gates: trigger a
run, approve or reject a run waiting at the Approval stage, cancel a run,
and read its lifecycle events.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/sitepipe/ctl.yaml)")
	root.PersistentFlags().String("server", "http://localhost:8080", "control plane base URL")
	root.PersistentFlags().StringP("output", "o", "table", "output format: table, json or yaml")
	root.PersistentFlags().Duration("timeout", 0, "request timeout (default 30s)")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	_ = v.BindPFlag("output", root.PersistentFlags().Lookup("output"))
	_ = v.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))

	app := &app{v: v}
	root.AddCommand(
		newRunsCmd(app),
		newTriggerCmd(app),
		newApproveCmd(app),
		newRejectCmd(app),
		newCancelCmd(app),
	)
	return root
}

// Execute runs sitepipectl.
func Execute() error {
	return NewRootCmd().Execute()
}

func initConfig(v *viper.Viper) error {
	v.SetDefault("timeout", "30s")

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("ctl")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.config/sitepipe")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SITEPIPECTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// app carries resolved settings to subcommands.
type app struct {
	v *viper.Viper
}

func (a *app) client() *Client {
	return NewClient(a.v.GetString("server"), a.v.GetDuration("timeout"))
}

func (a *app) printer(cmd *cobra.Command) (*Printer, error) {
	return NewPrinter(cmd.OutOrStdout(), a.v.GetString("output"))
}
