package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"throttle-service/internal/config"
	"throttle-service/internal/factory"
)

// Options configures the command tree. Zero values fall back to the environment.
type Options struct {
	Writer  io.Writer
	Config  func() *config.Config
	Factory func(*config.Config) (*factory.Factory, error)
}

func DefaultOptions() Options {
	return Options{
		Writer:  os.Stdout,
		Config:  config.LoadConfig,
		Factory: factory.New,
	}
}

type runtimeState struct {
	opts   Options
	output string
	cfg    *config.Config
}

func NewRootCommand(opts Options) *cobra.Command {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if opts.Config == nil {
		opts.Config = config.LoadConfig
	}
	if opts.Factory == nil {
		opts.Factory = factory.New
	}
	rt := &runtimeState{opts: opts}

	root := &cobra.Command{
		Use:           "throttlectl",
		Short:         "Operate the adaptive throttle store",
		SilenceUsage:  true,
	}
	root.SetOut(opts.Writer)
	root.PersistentFlags().StringVarP(&rt.output, "output", "o", "table", "Output format: table, json, yaml")

	root.AddCommand(
		newMigrateCommand(rt),
		newSweepCommand(rt),
		newPoliciesCommand(rt),
		newInspectCommand(rt),
		newResetCommand(rt),
		newForgiveCommand(rt),
		newTailCommand(rt),
		newHistoryCommand(rt),
	)
	return root
}

func (rt *runtimeState) Config() *config.Config {
	if rt.cfg == nil {
		rt.cfg = rt.opts.Config()
	}
	return rt.cfg
}

// withFactory builds the dependency graph for one command and closes it afterwards.
func (rt *runtimeState) withFactory(run func(cmd *cobra.Command, args []string, f *factory.Factory) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		cfg := rt.Config()
		// The CLI never runs the daily schedule.
		cfg.Throttle.SweepEnabled = false
		f, err := rt.opts.Factory(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		return run(cmd, args, f)
	}
}

func (rt *runtimeState) Writer() io.Writer {
	return rt.opts.Writer
}
