// Package hostcmd runs operator-configured host commands such as
// "rtcwake -m mem -s {seconds}". Templates are split on whitespace and each
// argument has its {placeholders} substituted; no shell is involved, so
// substituted values cannot inject extra arguments.
package hostcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"slices"
	"strings"

	appLog "epframe/internal/log"
)

// Runner executes a command template.
type Runner func(ctx context.Context, tmpl string, vars map[string]string) error

// Expand splits tmpl into argv and substitutes {key} in every argument in a
// single pass; substituted values are never expanded again.
func Expand(tmpl string, vars map[string]string) ([]string, error) {
	args := strings.Fields(tmpl)
	if len(args) == 0 {
		return nil, errors.New("hostcmd: empty command")
	}
	pairs := make([]string, 0, 2*len(vars))
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	r := strings.NewReplacer(pairs...)
	for i, a := range args {
		args[i] = r.Replace(a)
	}
	return args, nil
}

// Run expands tmpl and runs it, returning combined output on failure.
func Run(ctx context.Context, tmpl string, vars map[string]string) error {
	args, err := Expand(tmpl, vars)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	appLog.Debug("hostcmd: run", "cmd", args[0], "args", len(args)-1)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("hostcmd: %s: %w: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	return nil
}
