package systemd

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
)

// UnitSpec holds the values rendered into a unit file.
type UnitSpec struct {
	ServiceName string
	Command     string
	WorkingDir  string
	LogDir      string
	User        string
	RestartSec  int
}

const unitTemplate = `[Unit]
Description={{.ServiceName}} service made by sdmon.
After=network.target

[Service]
User={{.User}}
Group={{.User}}
WorkingDirectory={{.WorkingDir}}
ExecStart={{.ExecStart}}
Restart=on-failure
RestartSec={{.RestartSec}}

[Install]
WantedBy=multi-user.target
`

var unitTmpl = template.Must(template.New("unit").Parse(unitTemplate))

// ExecStart is the start command with stdout redirected to the service log.
func (s UnitSpec) ExecStart() string {
	return fmt.Sprintf("%s > %s", s.Command, filepath.Join(s.LogDir, s.ServiceName+".log"))
}

// RenderUnit renders the unit file for spec, applying defaults for the
// account, restart delay and log directory.
func RenderUnit(spec UnitSpec) (string, error) {
	if spec.User == "" {
		spec.User = "root"
	}
	if spec.RestartSec <= 0 {
		spec.RestartSec = 5
	}
	if spec.LogDir == "" {
		spec.LogDir = "/var/log"
	}

	var buf strings.Builder
	if err := unitTmpl.Execute(&buf, spec); err != nil {
		return "", fmt.Errorf("render unit: %w", err)
	}
	return buf.String(), nil
}
