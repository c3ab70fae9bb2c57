// Package registrar coordinates the systemd unit of a service with its
// Zabbix item and trigger.
//
// Both workflows are fixed sequences. A failed step stops the workflow and
// nothing already done is rolled back; re-running the same workflow is the
// repair path. Items are always created before triggers and triggers are
// always deleted before items.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sdmon/internal/models"
	"sdmon/internal/zabbix"
)

// ItemDelay is the poll interval of created items.
const ItemDelay = 15 * time.Second

var (
	// ErrNoInterface is returned when the monitored host has no interfaces.
	ErrNoInterface = errors.New("host has no interfaces")
	// ErrInvalidService is returned for service names or commands that cannot be installed.
	ErrInvalidService = errors.New("invalid service")
)

// Supervisor installs and removes units.
type Supervisor interface {
	Install(ctx context.Context, service, command, workingDir string) error
	Uninstall(ctx context.Context, service string) error
}

// Monitoring is the subset of the Zabbix API the registrar uses.
type Monitoring interface {
	Login(ctx context.Context) error
	FindHostID(ctx context.Context, hostname string) (models.HostID, error)
	ListInterfaces(ctx context.Context, hostID models.HostID) ([]models.InterfaceID, error)
	CreateItem(ctx context.Context, spec zabbix.ItemSpec) (models.ItemID, error)
	CreateTrigger(ctx context.Context, spec zabbix.TriggerSpec) (models.TriggerID, error)
	FindTriggersByDescription(ctx context.Context, description string) ([]models.TriggerID, error)
	DeleteTriggers(ctx context.Context, ids []models.TriggerID) error
	FindItemsByHostAndName(ctx context.Context, hostID models.HostID, name string) ([]models.ItemID, error)
	DeleteItems(ctx context.Context, ids []models.ItemID) error
}

// Journal records workflow steps.
type Journal interface {
	Append(entry models.JournalEntry) error
}

// Options configures a Registrar.
type Options struct {
	// Hostname is the technical name of this machine's host in Zabbix.
	Hostname   string
	Supervisor Supervisor
	Monitoring Monitoring
	// Journal is optional.
	Journal Journal
	Logger  *logrus.Logger
}

// Registrar runs the create and delete workflows.
type Registrar struct {
	hostname   string
	supervisor Supervisor
	monitoring Monitoring
	journal    Journal
	log        *logrus.Logger
	runID      string
	now        func() time.Time
}

// New creates a registrar. Each registrar gets its own run id for the journal.
func New(opts Options) *Registrar {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registrar{
		hostname:   opts.Hostname,
		supervisor: opts.Supervisor,
		monitoring: opts.Monitoring,
		journal:    opts.Journal,
		log:        log,
		runID:      uuid.NewString(),
		now:        time.Now,
	}
}

// RunID identifies this registrar's entries in the journal. It is empty when
// no journal is configured.
func (r *Registrar) RunID() string {
	if r.journal == nil {
		return ""
	}
	return r.runID
}

// Create installs and starts the unit for service, then creates its item and
// trigger. Re-running Create tolerates the existing item but adds another
// trigger.
func (r *Registrar) Create(ctx context.Context, service, command, workingDir string) error {
	if err := models.ValidateServiceName(service); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidService, err)
	}
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: command is empty", ErrInvalidService)
	}

	w := r.workflow(service, models.WorkflowCreate)

	if err := w.step(ctx, "login", r.monitoring.Login); err != nil {
		return w.fail(err)
	}

	if err := w.step(ctx, "install unit", func(ctx context.Context) error {
		return r.supervisor.Install(ctx, service, command, workingDir)
	}); err != nil {
		return w.fail(err)
	}

	var hostID models.HostID
	if err := w.step(ctx, "find host", func(ctx context.Context) (err error) {
		hostID, err = r.monitoring.FindHostID(ctx, r.hostname)
		return err
	}); err != nil {
		return w.fail(err)
	}

	var interfaceID models.InterfaceID
	if err := w.step(ctx, "find interface", func(ctx context.Context) error {
		interfaces, err := r.monitoring.ListInterfaces(ctx, hostID)
		if err != nil {
			return err
		}
		if len(interfaces) == 0 {
			return fmt.Errorf("%w: %q", ErrNoInterface, r.hostname)
		}
		interfaceID = interfaces[0]
		return nil
	}); err != nil {
		return w.fail(err)
	}

	if err := w.step(ctx, "create item", func(ctx context.Context) error {
		id, err := r.monitoring.CreateItem(ctx, zabbix.ItemSpec{
			HostID:      hostID,
			InterfaceID: interfaceID,
			Name:        models.ItemName(service),
			Key:         models.ItemKey(service),
			Delay:       ItemDelay,
			Tags:        []models.Tag{models.OwnerTag},
		})
		if zabbix.IsAlreadyExists(err) {
			w.log.Info("item already exists, keeping it")
			return nil
		}
		if err != nil {
			return err
		}
		w.log.WithField("itemid", id).Info("item created")
		return nil
	}); err != nil {
		return w.fail(err)
	}

	if err := w.step(ctx, "create trigger", func(ctx context.Context) error {
		id, err := r.monitoring.CreateTrigger(ctx, zabbix.TriggerSpec{
			Description: models.TriggerDescription(service),
			Expression:  models.TriggerExpression(r.hostname, service),
			Priority:    zabbix.PriorityHigh,
			Tags:        []models.Tag{models.OwnerTag},
		})
		if err != nil {
			return err
		}
		w.log.WithField("triggerid", id).Info("trigger created")
		return nil
	}); err != nil {
		return w.fail(err)
	}

	return nil
}

// Delete stops and removes the unit for service, then deletes its triggers
// and items. Nothing to delete is not an error.
func (r *Registrar) Delete(ctx context.Context, service string) error {
	if err := models.ValidateServiceName(service); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidService, err)
	}

	w := r.workflow(service, models.WorkflowDelete)

	if err := w.step(ctx, "login", r.monitoring.Login); err != nil {
		return w.fail(err)
	}

	if err := w.step(ctx, "uninstall unit", func(ctx context.Context) error {
		return r.supervisor.Uninstall(ctx, service)
	}); err != nil {
		return w.fail(err)
	}

	if err := w.step(ctx, "delete triggers", func(ctx context.Context) error {
		ids, err := r.monitoring.FindTriggersByDescription(ctx, models.TriggerDescription(service))
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		w.log.WithField("count", len(ids)).Info("deleting triggers")
		return r.monitoring.DeleteTriggers(ctx, ids)
	}); err != nil {
		return w.fail(err)
	}

	var hostID models.HostID
	if err := w.step(ctx, "find host", func(ctx context.Context) (err error) {
		hostID, err = r.monitoring.FindHostID(ctx, r.hostname)
		return err
	}); err != nil {
		return w.fail(err)
	}

	if err := w.step(ctx, "delete items", func(ctx context.Context) error {
		ids, err := r.monitoring.FindItemsByHostAndName(ctx, hostID, models.ItemName(service))
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		w.log.WithField("count", len(ids)).Info("deleting items")
		return r.monitoring.DeleteItems(ctx, ids)
	}); err != nil {
		return w.fail(err)
	}

	return nil
}

type workflow struct {
	r        *Registrar
	service  string
	workflow models.Workflow
	log      *logrus.Entry
}

func (r *Registrar) workflow(service string, wf models.Workflow) *workflow {
	return &workflow{
		r:        r,
		service:  service,
		workflow: wf,
		log: r.log.WithFields(logrus.Fields{
			"service":  service,
			"workflow": string(wf),
			"host":     r.hostname,
		}),
	}
}

// step runs fn, journals the outcome and prefixes a failure with the step name.
func (w *workflow) step(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	err := fn(ctx)
	entry := models.JournalEntry{
		RunID:    w.r.runID,
		Time:     w.r.now().UTC(),
		Service:  w.service,
		Workflow: w.workflow,
		Step:     name,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if w.r.journal != nil {
		if jerr := w.r.journal.Append(entry); jerr != nil {
			w.log.WithError(jerr).Warn("journal append failed")
		}
	}

	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	w.log.WithField("step", name).Debug("step done")
	return nil
}

func (w *workflow) fail(err error) error {
	return fmt.Errorf("%s %s: %w", w.workflow, w.service, err)
}
