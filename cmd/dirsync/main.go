package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/isometry/dirsync/internal/config"
)

var (
	bold = color.New(color.Bold).SprintFunc()
	cyan = color.New(color.FgHiCyan, color.Bold).SprintFunc()
	red  = color.New(color.FgHiRed, color.Bold).SprintFunc()
)

// globalFlags select the configuration every subcommand reads.
type globalFlags struct {
	profile    string
	configFile string
	configDir  string
	envFile    string
}

func (g *globalFlags) options() config.Options {
	return config.Options{
		File:      g.configFile,
		Profile:   g.profile,
		ConfigDir: g.configDir,
		EnvFile:   g.envFile,
	}
}

// load reads the configuration. Flags of cmd named in bind override the
// config keys they are mapped to.
func (g *globalFlags) load(cmd *cobra.Command, bind map[string]string) (*config.Config, error) {
	v, err := config.NewViper(g.options())
	if err != nil {
		return nil, err
	}
	for key, name := range bind {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	return config.Load(v)
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "dirsync",
		Short:         "Keep an LDAP directory and Active Directory in sync",
		Version:       detailedVersion(),
		SilenceErrors: true,
	}

	root.PersistentFlags().SortFlags = false
	root.PersistentFlags().StringVarP(&g.profile, "profile", "p", "", "configuration profile ("+config.DefaultProfile+" when unset)")
	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "configuration file, overrides --profile")
	root.PersistentFlags().StringVar(&g.configDir, "config-dir", config.DefaultConfigDir, "directory holding profiles")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", "", "file of DIRSYNC_ variables to load (default .env)")

	root.AddCommand(
		newRunCmd(g),
		newRejectsCmd(g),
		newConfigCmd(g),
		newVersionCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		root.PrintErrln(red("Error:"), err)
		stop()
		os.Exit(1)
	}
}
