package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sdmon/internal/config"
	"sdmon/internal/logging"
	"sdmon/internal/registrar"
	"sdmon/internal/storage"
	"sdmon/internal/systemd"
	"sdmon/internal/zabbix"
)

// ConfigEnv selects an alternate configuration file.
const ConfigEnv = "SDMON_CONFIG"

const programName = "sdmon"

var errUsage = errors.New("usage")

// workflows is what the command needs from the registrar.
type workflows interface {
	Create(ctx context.Context, service, command, workingDir string) error
	Delete(ctx context.Context, service string) error
	RunID() string
}

type deps struct {
	configPath string
	workingDir func() (string, error)
	build      func(cfg config.Config, log *logrus.Logger) workflows
}

func defaultDeps() deps {
	path := os.Getenv(ConfigEnv)
	if path == "" {
		path = config.DefaultPath
	}
	return deps{
		configPath: path,
		workingDir: os.Getwd,
		build:      buildRegistrar,
	}
}

func buildRegistrar(cfg config.Config, log *logrus.Logger) workflows {
	opts := registrar.Options{
		Hostname:   cfg.Zabbix.Hostname,
		Supervisor: systemd.NewSupervisor(cfg.Systemd.UnitDir, cfg.Systemd.LogDir, systemd.ExecRunner{}, log),
		Monitoring: zabbix.New(cfg.Zabbix.Server, cfg.Zabbix.Token, cfg.Zabbix.Timeout()),
		Logger:     log,
	}
	if cfg.JournalPath != "" {
		journal, err := storage.NewJournal(cfg.JournalPath, storage.DefaultJournalLimit)
		if err != nil {
			log.WithError(err).Warn("journal disabled")
		} else {
			opts.Journal = journal
		}
	}
	return registrar.New(opts)
}

func newRootCmd(d deps) *cobra.Command {
	return &cobra.Command{
		Use:                programName + " <service name> <command>",
		Short:              "Run a command as a systemd service monitored by Zabbix",
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		Args:               cobra.ArbitraryArgs,
		CompletionOptions:  cobra.CompletionOptions{DisableDefaultCmd: true},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Ensure(d.configPath)
			if errors.Is(err, config.ErrIncomplete) {
				return fmt.Errorf("Please fill the configuration file %q first.", d.configPath)
			}
			if err != nil {
				return err
			}
			log := logging.New(cfg.LogLevel)

			if len(args) < 2 {
				printUsage(cmd.OutOrStdout())
				return errUsage
			}

			ctx := cmd.Context()
			if args[0] == "delete" {
				if len(args) != 2 {
					printUsage(cmd.OutOrStdout())
					return errUsage
				}
				service := args[1]
				wf := d.build(cfg, log)
				if err := wf.Delete(ctx, service); err != nil {
					return withRunID(err, wf)
				}
				color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Service %q has been deleted.\n", service)
				return nil
			}

			service := args[0]
			command := strings.Join(args[1:], " ")
			workingDir, err := d.workingDir()
			if err != nil {
				return fmt.Errorf("get working directory: %w", err)
			}
			wf := d.build(cfg, log)
			if err := wf.Create(ctx, service, command, workingDir); err != nil {
				return withRunID(err, wf)
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Service %s has been created.\n", service)
			return nil
		},
	}
}

// withRunID points a failure at its journal entries.
func withRunID(err error, wf workflows) error {
	id := wf.RunID()
	if id == "" {
		return err
	}
	return fmt.Errorf("%w (journal run %s)", err, id)
}

// execute runs the command line and returns the process exit status.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer, d deps) int {
	cmd := newRootCmd(d)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	if !errors.Is(err, errUsage) {
		color.New(color.FgRed).Fprint(stderr, "Error: ")
		fmt.Fprintln(stderr, err)
	}
	return 1
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage:\n\t%s <service name> <command>\n\t%s delete <service name>\n", programName, programName)
}
