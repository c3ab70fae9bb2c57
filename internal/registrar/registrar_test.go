package registrar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdmon/internal/logging"
	"sdmon/internal/models"
	"sdmon/internal/zabbix"
)

const testHost = "web01"

type callLog struct {
	calls []string
}

func (l *callLog) add(call string) {
	l.calls = append(l.calls, call)
}

func (l *callLog) index(call string) int {
	for i, c := range l.calls {
		if c == call {
			return i
		}
	}
	return -1
}

type fakeSupervisor struct {
	log   *callLog
	units map[string]string
}

func (s *fakeSupervisor) Install(_ context.Context, service, command, workingDir string) error {
	s.log.add("install " + service)
	s.units[service] = command
	return nil
}

func (s *fakeSupervisor) Uninstall(_ context.Context, service string) error {
	s.log.add("uninstall " + service)
	delete(s.units, service)
	return nil
}

type fakeItem struct {
	host models.HostID
	name string
	key  string
}

type fakeTrigger struct {
	description string
	expression  string
	priority    int
	tags        []models.Tag
}

// fakeZabbix keeps hosts, items and triggers in memory and behaves like the
// API for the calls the registrar makes.
type fakeZabbix struct {
	log        *callLog
	hosts      map[string]models.HostID
	interfaces map[models.HostID][]models.InterfaceID
	items      map[models.ItemID]fakeItem
	triggers   map[models.TriggerID]fakeTrigger
	nextID     int

	loginErr         error
	createTriggerErr error
	createItemErr    error
}

func newFakeZabbix(log *callLog) *fakeZabbix {
	return &fakeZabbix{
		log:        log,
		hosts:      map[string]models.HostID{testHost: "10084"},
		interfaces: map[models.HostID][]models.InterfaceID{"10084": {"3", "7"}},
		items:      map[models.ItemID]fakeItem{},
		triggers:   map[models.TriggerID]fakeTrigger{},
	}
}

func (z *fakeZabbix) id() string {
	z.nextID++
	return fmt.Sprintf("%d", z.nextID)
}

func (z *fakeZabbix) Login(context.Context) error {
	z.log.add("login")
	return z.loginErr
}

func (z *fakeZabbix) FindHostID(_ context.Context, hostname string) (models.HostID, error) {
	z.log.add("host.get")
	id, ok := z.hosts[hostname]
	if !ok {
		return "", fmt.Errorf("%w: %q", zabbix.ErrHostNotFound, hostname)
	}
	return id, nil
}

func (z *fakeZabbix) ListInterfaces(_ context.Context, hostID models.HostID) ([]models.InterfaceID, error) {
	z.log.add("hostinterface.get")
	return z.interfaces[hostID], nil
}

func (z *fakeZabbix) CreateItem(_ context.Context, spec zabbix.ItemSpec) (models.ItemID, error) {
	z.log.add("item.create")
	if z.createItemErr != nil {
		return "", z.createItemErr
	}
	for _, it := range z.items {
		if it.host == spec.HostID && it.key == spec.Key {
			return "", &zabbix.APIError{
				Method:  "item.create",
				Code:    -32602,
				Message: "Invalid params.",
				Data:    fmt.Sprintf("An item with key %q already exists on the host %q.", spec.Key, testHost),
			}
		}
	}
	id := models.ItemID(z.id())
	z.items[id] = fakeItem{host: spec.HostID, name: spec.Name, key: spec.Key}
	return id, nil
}

func (z *fakeZabbix) CreateTrigger(_ context.Context, spec zabbix.TriggerSpec) (models.TriggerID, error) {
	z.log.add("trigger.create")
	if z.createTriggerErr != nil {
		return "", z.createTriggerErr
	}
	referenced := false
	for _, it := range z.items {
		if strings.Contains(spec.Expression, "/"+it.key+")") {
			referenced = true
		}
	}
	if !referenced {
		return "", &zabbix.APIError{Method: "trigger.create", Message: "Invalid params.", Data: "item does not exist"}
	}
	id := models.TriggerID(z.id())
	z.triggers[id] = fakeTrigger{description: spec.Description, expression: spec.Expression, priority: spec.Priority, tags: spec.Tags}
	return id, nil
}

func (z *fakeZabbix) FindTriggersByDescription(_ context.Context, description string) ([]models.TriggerID, error) {
	z.log.add("trigger.get")
	var ids []models.TriggerID
	for id, t := range z.triggers {
		if t.description == description {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (z *fakeZabbix) DeleteTriggers(_ context.Context, ids []models.TriggerID) error {
	z.log.add("trigger.delete")
	for _, id := range ids {
		delete(z.triggers, id)
	}
	return nil
}

func (z *fakeZabbix) FindItemsByHostAndName(_ context.Context, hostID models.HostID, name string) ([]models.ItemID, error) {
	z.log.add("item.get")
	var ids []models.ItemID
	for id, it := range z.items {
		if it.host == hostID && it.name == name {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (z *fakeZabbix) DeleteItems(_ context.Context, ids []models.ItemID) error {
	z.log.add("item.delete")
	for _, id := range ids {
		it := z.items[id]
		for tid, t := range z.triggers {
			if strings.Contains(t.expression, "/"+it.key+")") {
				return fmt.Errorf("item %s still referenced by trigger %s", id, tid)
			}
		}
		delete(z.items, id)
	}
	return nil
}

type memJournal struct {
	entries []models.JournalEntry
}

func (j *memJournal) Append(e models.JournalEntry) error {
	j.entries = append(j.entries, e)
	return nil
}

type fixture struct {
	log        *callLog
	supervisor *fakeSupervisor
	zabbix     *fakeZabbix
	journal    *memJournal
	registrar  *Registrar
}

func newFixture() *fixture {
	log := &callLog{}
	f := &fixture{
		log:        log,
		supervisor: &fakeSupervisor{log: log, units: map[string]string{}},
		zabbix:     newFakeZabbix(log),
		journal:    &memJournal{},
	}
	f.registrar = New(Options{
		Hostname:   testHost,
		Supervisor: f.supervisor,
		Monitoring: f.zabbix,
		Journal:    f.journal,
		Logger:     logging.Discard(),
	})
	return f
}

func TestCreateNginxExample(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.registrar.Create(context.Background(), "nginx-watch", "nginx -g daemon off;", "/srv"))

	assert.Equal(t, "nginx -g daemon off;", f.supervisor.units["nginx-watch"])
	require.Len(t, f.zabbix.items, 1)
	for _, it := range f.zabbix.items {
		assert.Equal(t, `systemd.unit.info["nginx-watch.service"]`, it.key)
		assert.Equal(t, "Service nginx-watch by sdmon", it.name)
		assert.Equal(t, models.HostID("10084"), it.host)
	}
	require.Len(t, f.zabbix.triggers, 1)
	for _, tr := range f.zabbix.triggers {
		assert.Equal(t, `Sdmon service "nginx-watch" is not active`, tr.description)
		assert.Equal(t, `last(/web01/systemd.unit.info["nginx-watch.service"])<>"active"`, tr.expression)
		assert.Equal(t, zabbix.PriorityHigh, tr.priority)
		assert.Equal(t, []models.Tag{models.OwnerTag}, tr.tags)
	}

	assert.Equal(t, []string{
		"login", "install nginx-watch", "host.get", "hostinterface.get", "item.create", "trigger.create",
	}, f.log.calls)
}

func TestCreateThenDeleteLeavesNothing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.registrar.Create(ctx, "svc", "sleep 1000", "/"))
	require.NoError(t, f.registrar.Delete(ctx, "svc"))

	assert.Empty(t, f.supervisor.units)
	assert.Empty(t, f.zabbix.items)
	assert.Empty(t, f.zabbix.triggers)
}

func TestCreateTwiceToleratesExistingItem(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.registrar.Create(ctx, "svc", "sleep 1000", "/"))
	require.NoError(t, f.registrar.Create(ctx, "svc", "sleep 1000", "/"))

	assert.Len(t, f.zabbix.items, 1)
	// Trigger creation is not guarded: a second Create adds a second trigger.
	assert.Len(t, f.zabbix.triggers, 2)

	require.NoError(t, f.registrar.Delete(ctx, "svc"))
	assert.Empty(t, f.zabbix.triggers, "delete removes every duplicate trigger")
	assert.Empty(t, f.zabbix.items)
}

func TestDeleteNeverCreatedIsNoop(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.registrar.Delete(context.Background(), "ghost"))
	assert.Equal(t, []string{"login", "uninstall ghost", "trigger.get", "host.get", "item.get"}, f.log.calls)
}

func TestDeleteRemovesTriggersBeforeItems(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.registrar.Create(ctx, "svc", "sleep 1000", "/"))
	f.log.calls = nil

	// fakeZabbix.DeleteItems refuses items still referenced by a trigger.
	require.NoError(t, f.registrar.Delete(ctx, "svc"))

	triggerDelete := f.log.index("trigger.delete")
	itemDelete := f.log.index("item.delete")
	require.NotEqual(t, -1, triggerDelete)
	require.NotEqual(t, -1, itemDelete)
	assert.Less(t, triggerDelete, itemDelete)
	assert.Less(t, f.log.index("uninstall svc"), triggerDelete)
}

func TestDeleteAfterTriggersAlreadyGone(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.registrar.Create(ctx, "svc", "sleep 1000", "/"))
	for id := range f.zabbix.triggers {
		delete(f.zabbix.triggers, id)
	}

	require.NoError(t, f.registrar.Delete(ctx, "svc"))
	assert.Empty(t, f.zabbix.items)
	assert.Equal(t, -1, f.log.index("trigger.delete"))
}

func TestHostNotFoundStopsCreate(t *testing.T) {
	f := newFixture()
	delete(f.zabbix.hosts, testHost)

	err := f.registrar.Create(context.Background(), "svc", "sleep 1000", "/")
	require.Error(t, err)
	assert.ErrorIs(t, err, zabbix.ErrHostNotFound)
	assert.Equal(t, "host.get", f.log.calls[len(f.log.calls)-1], "no monitoring call after a failed host lookup")
	assert.Contains(t, f.supervisor.units, "svc", "the installed unit is not rolled back")
}

func TestHostNotFoundStopsDelete(t *testing.T) {
	f := newFixture()
	delete(f.zabbix.hosts, testHost)

	err := f.registrar.Delete(context.Background(), "svc")
	require.Error(t, err)
	assert.ErrorIs(t, err, zabbix.ErrHostNotFound)
	assert.Equal(t, "host.get", f.log.calls[len(f.log.calls)-1])
	assert.Equal(t, -1, f.log.index("item.get"))
}

func TestNoInterface(t *testing.T) {
	f := newFixture()
	f.zabbix.interfaces["10084"] = nil

	err := f.registrar.Create(context.Background(), "svc", "sleep 1000", "/")
	require.ErrorIs(t, err, ErrNoInterface)
	assert.Equal(t, -1, f.log.index("item.create"))
	assert.Equal(t, -1, f.log.index("trigger.create"))
}

func TestItemCreateFailureSkipsTrigger(t *testing.T) {
	f := newFixture()
	f.zabbix.createItemErr = &zabbix.APIError{Method: "item.create", Message: "Invalid params.", Data: "Incorrect value for field \"delay\"."}

	err := f.registrar.Create(context.Background(), "svc", "sleep 1000", "/")
	require.Error(t, err)
	assert.ErrorIs(t, err, zabbix.ErrRequest)
	assert.Equal(t, -1, f.log.index("trigger.create"))
}

func TestLoginFailureTouchesNothing(t *testing.T) {
	f := newFixture()
	f.zabbix.loginErr = fmt.Errorf("%w: Session terminated", zabbix.ErrAuthentication)

	err := f.registrar.Create(context.Background(), "svc", "sleep 1000", "/")
	require.ErrorIs(t, err, zabbix.ErrAuthentication)
	assert.Equal(t, []string{"login"}, f.log.calls)
	assert.Empty(t, f.supervisor.units)

	err = f.registrar.Delete(context.Background(), "svc")
	require.ErrorIs(t, err, zabbix.ErrAuthentication)
	assert.Equal(t, []string{"login", "login"}, f.log.calls)
}

func TestPartialFailureIsJournaledNotRolledBack(t *testing.T) {
	f := newFixture()
	f.zabbix.createTriggerErr = errors.New("connection reset by peer")

	err := f.registrar.Create(context.Background(), "svc", "sleep 1000", "/")
	require.Error(t, err)
	assert.Equal(t, "create svc: create trigger: connection reset by peer", err.Error())

	assert.Contains(t, f.supervisor.units, "svc")
	assert.Len(t, f.zabbix.items, 1)

	steps := make([]string, 0, len(f.journal.entries))
	for _, e := range f.journal.entries {
		assert.Equal(t, f.registrar.RunID(), e.RunID)
		assert.Equal(t, models.WorkflowCreate, e.Workflow)
		steps = append(steps, e.Step)
	}
	assert.Equal(t, []string{"login", "install unit", "find host", "find interface", "create item", "create trigger"}, steps)
	last := f.journal.entries[len(f.journal.entries)-1]
	assert.Equal(t, "connection reset by peer", last.Error)
}

func TestRunIDEmptyWithoutJournal(t *testing.T) {
	f := newFixture()
	assert.NotEmpty(t, f.registrar.RunID())

	r := New(Options{
		Hostname:   testHost,
		Supervisor: f.supervisor,
		Monitoring: f.zabbix,
		Logger:     logging.Discard(),
	})
	assert.Empty(t, r.RunID())
	require.NoError(t, r.Create(context.Background(), "svc", "sleep 1000", "/"))
}

func TestInvalidServiceName(t *testing.T) {
	f := newFixture()

	err := f.registrar.Create(context.Background(), "../etc/passwd", "true", "/")
	assert.ErrorIs(t, err, ErrInvalidService)
	err = f.registrar.Delete(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidService)
	err = f.registrar.Create(context.Background(), "svc", "  ", "/")
	assert.ErrorIs(t, err, ErrInvalidService)

	for _, name := range []string{"--user", "-x", "a;b"} {
		assert.ErrorIs(t, f.registrar.Create(context.Background(), name, "true", "/"), ErrInvalidService, name)
		assert.ErrorIs(t, f.registrar.Delete(context.Background(), name), ErrInvalidService, name)
	}

	assert.Empty(t, f.log.calls)
	assert.Empty(t, f.journal.entries)
}

func TestCancelledContextStopsWorkflow(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.registrar.Create(ctx, "svc", "sleep 1000", "/")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.log.calls)
}
