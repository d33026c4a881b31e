package worker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ExecConverter shells out to the configured STEP/OBJ -> STL converter,
// invoked as: <cmd> <input> <output>.
type ExecConverter struct {
	Cmd string
}

func (c ExecConverter) Convert(ctx context.Context, inputPath, outputPath string) error {
	const op = "worker.ExecConverter"

	parts := strings.Fields(c.Cmd)
	if len(parts) == 0 {
		return fmt.Errorf("%s: converter command not configured", op)
	}
	args := append(parts[1:], inputPath, outputPath)

	cmd := exec.CommandContext(ctx, parts[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("conversion failed: %s", detail)
	}
	return nil
}
