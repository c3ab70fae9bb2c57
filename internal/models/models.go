package models

import (
	"fmt"
	"strings"
	"time"
)

// HostID identifies a monitored host in the monitoring backend.
type HostID string

// InterfaceID identifies a host interface in the monitoring backend.
type InterfaceID string

// ItemID identifies a monitoring item.
type ItemID string

// TriggerID identifies a monitoring trigger.
type TriggerID string

// Tag labels monitoring objects created by sdmon.
type Tag struct {
	Tag   string `json:"tag"`
	Value string `json:"value,omitempty"`
}

// OwnerTag marks every item and trigger sdmon creates.
var OwnerTag = Tag{Tag: "sdmon"}

// Workflow names a registrar workflow.
type Workflow string

const (
	WorkflowCreate Workflow = "create"
	WorkflowDelete Workflow = "delete"
)

// JournalEntry records one completed (or failed) workflow step.
type JournalEntry struct {
	RunID    string    `json:"run_id"`
	Time     time.Time `json:"time"`
	Service  string    `json:"service"`
	Workflow Workflow  `json:"workflow"`
	Step     string    `json:"step"`
	Error    string    `json:"error,omitempty"`
}

// ValidateServiceName reports whether name can be used as a unit file name
// and as a systemctl argument. Only systemd's unit name characters are
// allowed and a leading dash is rejected.
func ValidateServiceName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("service name is empty")
	case name == "." || name == "..":
		return fmt.Errorf("service name %q is reserved", name)
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("service name %q must not start with a dash", name)
	}
	for _, r := range name {
		if !isUnitNameRune(r) {
			return fmt.Errorf("service name %q contains %q; use letters, digits and :_.@-", name, r)
		}
	}
	return nil
}

func isUnitNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune(":_.@-", r)
}

// UnitName is the systemd unit name for a service.
func UnitName(service string) string {
	return service + ".service"
}

// ItemKey is the agent key that reports the unit state.
func ItemKey(service string) string {
	return fmt.Sprintf(`systemd.unit.info["%s"]`, UnitName(service))
}

// ItemName is the display name of the item, also used to find it on delete.
func ItemName(service string) string {
	return fmt.Sprintf("Service %s by sdmon", service)
}

// TriggerDescription is the trigger description, also used to find it on delete.
func TriggerDescription(service string) string {
	return fmt.Sprintf(`Sdmon service "%s" is not active`, service)
}

// TriggerExpression fires whenever the last reported unit state is not "active".
func TriggerExpression(hostname, service string) string {
	return fmt.Sprintf(`last(/%s/%s)<>"active"`, hostname, ItemKey(service))
}
