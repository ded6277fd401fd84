package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/devghori1264/instantcloud/internal/client"
	"github.com/devghori1264/instantcloud/internal/config"
	"github.com/devghori1264/instantcloud/internal/logging"
	"github.com/devghori1264/instantcloud/internal/models"
	"github.com/devghori1264/instantcloud/internal/render"
)

var errMissingCommand = errors.New("missing command")

// apiAnnotation marks the commands that talk to the service. Only those
// resolve credentials, so help and completion work without them.
const apiAnnotation = "instantcloud/api"

var apiCommand = map[string]string{apiAnnotation: "true"}

type app struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	flags   config.Flags
	timeout time.Duration
	verbose bool
	output  string

	log    *zap.Logger
	flush  func()
	client *client.Client
}

func newApp(stdout, stderr io.Writer, getenv func(string) string) *app {
	return &app{stdout: stdout, stderr: stderr, getenv: getenv, flush: func() {}}
}

func (a *app) close() { a.flush() }

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "instantcloud",
		Short:         "instantcloud is a command-line client to Instant Cloud",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Usage()
			return errMissingCommand
		},
		PersistentPreRunE: a.connect,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.flags.AccessID, "id", "I", "", "access id (default $"+config.EnvAccessID+")")
	pf.StringVarP(&a.flags.SecretKey, "key", "K", "", "secret key (default $"+config.EnvSecretKey+")")
	pf.StringVar(&a.flags.BaseURL, "url", "", "API base url (default $"+config.EnvBaseURL+" or "+config.DefaultBaseURL+")")
	pf.DurationVar(&a.timeout, "timeout", config.DefaultTimeout, "request timeout, 0 disables it")
	pf.StringVar(&a.flags.ConfigPath, "config", "", "YAML config file (default $HOME/"+config.DefaultFileName+" when present)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log the signed request")
	pf.StringVarP(&a.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(a.licensesCmd(), a.machinesCmd(), a.launchCmd(), a.killCmd())
	return root
}

// connect resolves configuration and builds the client before any
// subcommand runs. Missing credentials fail here, before the network.
func (a *app) connect(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[apiAnnotation] == "" {
		return nil
	}
	if a.output != "text" && a.output != "json" {
		return fmt.Errorf("unknown output format %q", a.output)
	}
	if cmd.Flags().Changed("timeout") {
		a.flags.Timeout = &a.timeout
	}

	opts, err := config.Resolve(a.flags, a.getenv)
	if err != nil {
		return err
	}

	a.log, a.flush = logging.CLI(a.stderr, a.verbose)
	a.log.Debug("resolved configuration",
		zap.String("access_id", opts.AccessID),
		zap.String("url", opts.BaseURL),
		zap.Duration("timeout", opts.Timeout))
	a.client = client.New(*opts, client.WithLogger(a.log))
	return nil
}

func (a *app) licensesCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "licenses",
		Short:       "Show the licenses associated with your account",
		Args:        cobra.NoArgs,
		Annotations: apiCommand,
		RunE: func(cmd *cobra.Command, _ []string) error {
			licenses, err := a.client.GetLicenses(cmd.Context())
			if err != nil {
				return err
			}
			if a.output == "json" {
				return render.JSON(a.stdout, licenses)
			}
			return render.Licenses(a.stdout, licenses)
		},
	}
}

func (a *app) machinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "machines",
		Short:       "Show currently running machines",
		Args:        cobra.NoArgs,
		Annotations: apiCommand,
		RunE: func(cmd *cobra.Command, _ []string) error {
			machines, err := a.client.GetMachines(cmd.Context())
			if err != nil {
				return err
			}
			return a.printMachines("", machines)
		},
	}
}

func (a *app) launchCmd() *cobra.Command {
	lf := &launchFlags{}
	cmd := &cobra.Command{
		Use:         "launch",
		Short:       "Launch a set of machines",
		Args:        cobra.NoArgs,
		Annotations: apiCommand,
		RunE: func(cmd *cobra.Command, _ []string) error {
			machines, err := a.client.LaunchMachines(cmd.Context(), lf.options(cmd.Flags())...)
			if err != nil {
				return err
			}
			return a.printMachines("Machines Launched", machines)
		},
	}
	lf.register(cmd.Flags())
	return cmd
}

func (a *app) killCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "kill MACHINE_ID...",
		Short:       "Kill a set of machines",
		Annotations: apiCommand,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("instantcloud kill requires machine ids to kill")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			machines, err := a.client.KillMachines(cmd.Context(), args)
			if err != nil {
				return err
			}
			return a.printMachines("Machines Killed", machines)
		},
	}
}

func (a *app) printMachines(title string, machines []models.Machine) error {
	if a.output == "json" {
		return render.JSON(a.stdout, machines)
	}
	if title != "" {
		fmt.Fprintln(a.stdout, title)
	}
	return render.Machines(a.stdout, machines)
}

// launchFlags holds the optional launch parameters. Only flags the user set
// become request parameters.
type launchFlags struct {
	numMachines  int
	licenseType  string
	password     string
	idleShutdown int
	licenseID    string
	region       string
	machineType  string
	grbVersion   string
}

func (lf *launchFlags) register(fs *pflag.FlagSet) {
	fs.IntVarP(&lf.numMachines, "nummachines", "n", 1, "number of machines")
	fs.StringVarP(&lf.licenseType, "licensetype", "l", "", "license type")
	fs.StringVarP(&lf.password, "password", "p", "", "password for the machines")
	fs.IntVarP(&lf.idleShutdown, "idleshutdown", "s", 60, "idle shutdown in minutes")
	fs.StringVarP(&lf.licenseID, "licenseid", "i", "", "license id")
	fs.StringVarP(&lf.region, "region", "r", "", "region")
	fs.StringVarP(&lf.machineType, "machinetype", "m", "", "machine type")
	fs.StringVarP(&lf.grbVersion, "gurobiversion", "g", "", "Gurobi version")
}

func (lf *launchFlags) options(fs *pflag.FlagSet) []client.LaunchOption {
	var opts []client.LaunchOption
	add := func(name string, o client.LaunchOption) {
		if fs.Changed(name) {
			opts = append(opts, o)
		}
	}
	add("nummachines", client.WithNumMachines(lf.numMachines))
	add("licensetype", client.WithLicenseType(lf.licenseType))
	add("password", client.WithUserPassword(lf.password))
	add("idleshutdown", client.WithIdleShutdown(lf.idleShutdown))
	add("licenseid", client.WithLicenseID(lf.licenseID))
	add("region", client.WithRegion(lf.region))
	add("machinetype", client.WithMachineType(lf.machineType))
	add("gurobiversion", client.WithGRBVersion(lf.grbVersion))
	return opts
}
