// Package systemd installs and removes sdmon-managed systemd units.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"sdmon/internal/models"
	"sdmon/internal/storage"
)

// Runner executes a supervisor command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args and returns its combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Supervisor manages unit files under UnitDir through systemctl.
type Supervisor struct {
	unitDir string
	logDir  string
	runner  Runner
	log     *logrus.Logger
}

// NewSupervisor creates a supervisor writing units to unitDir and pointing
// service output at logDir.
func NewSupervisor(unitDir, logDir string, runner Runner, log *logrus.Logger) *Supervisor {
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Supervisor{
		unitDir: unitDir,
		logDir:  logDir,
		runner:  runner,
		log:     log,
	}
}

// UnitPath is the unit file location for service.
func (s *Supervisor) UnitPath(service string) string {
	return filepath.Join(s.unitDir, models.UnitName(service))
}

// Install writes the unit for service, reloads systemd and enables and
// starts the unit. Only a failure to write the unit file is returned;
// systemctl failures are logged.
func (s *Supervisor) Install(ctx context.Context, service, command, workingDir string) error {
	unit, err := RenderUnit(UnitSpec{
		ServiceName: service,
		Command:     command,
		WorkingDir:  workingDir,
		LogDir:      s.logDir,
	})
	if err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(s.UnitPath(service), []byte(unit), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}

	s.systemctl(ctx, service, "daemon-reload")
	s.systemctl(ctx, service, "enable", "--now", "--", models.UnitName(service))
	return nil
}

// Uninstall stops, disables and removes the unit for service, then reloads
// systemd. Every step runs even when an earlier one fails; a unit that is
// already gone is not an error.
func (s *Supervisor) Uninstall(ctx context.Context, service string) error {
	unit := models.UnitName(service)
	s.systemctl(ctx, service, "stop", "--", unit)
	s.systemctl(ctx, service, "disable", "--", unit)

	var removeErr error
	if err := os.Remove(s.UnitPath(service)); err != nil && !errors.Is(err, os.ErrNotExist) {
		removeErr = fmt.Errorf("remove unit file: %w", err)
	}

	s.systemctl(ctx, service, "daemon-reload")
	return removeErr
}

func (s *Supervisor) systemctl(ctx context.Context, service string, args ...string) {
	out, err := s.runner.Run(ctx, "systemctl", args...)
	if err == nil {
		return
	}
	s.log.WithFields(logrus.Fields{
		"service": service,
		"command": "systemctl " + strings.Join(args, " "),
		"output":  strings.TrimSpace(string(out)),
	}).WithError(err).Warn("systemctl failed")
}
