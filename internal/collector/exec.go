package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/fleetmon/fleetmon/pkg/types"
)

// ShellExec runs a metric command through the local shell and parses its
// stdout into a value. Device fields are exposed as FLEETMON_* environment
// variables so commands can target the device:
//
//	snmpget -v2c -c public $FLEETMON_DEVICE_ADDRESS 1.3.6.1.4.1...
//
// Output that parses as a float becomes a numeric value; anything else is
// kept as a string.
func ShellExec(ctx context.Context, dev types.Device, command string) (types.Value, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(),
		"FLEETMON_DEVICE_ID="+dev.ID,
		"FLEETMON_DEVICE_ADDRESS="+dev.Address,
		"FLEETMON_DEVICE_TYPE="+dev.Type,
	)

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			stderr := strings.TrimSpace(string(exitErr.Stderr))
			if stderr == "" {
				stderr = exitErr.String()
			}
			return types.Value{}, fmt.Errorf("command failed: %s", stderr)
		}
		return types.Value{}, fmt.Errorf("running command: %w", err)
	}

	text := strings.TrimSpace(string(out))
	if text == "" {
		return types.Value{}, fmt.Errorf("command produced no output")
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return types.NumberValue(f), nil
	}
	return types.StringValue(text), nil
}
