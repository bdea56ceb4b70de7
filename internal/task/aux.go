package task

import (
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// RunAuxCommands best-effort executes the AUX_COMMANDS configured for
// a role (engine or controller). Each command gets a bounded timeout
// and failures are logged but never fatal — these are environment
// setup hooks (e.g. clearing a results directory), not part of the
// hard runtime contract.
func RunAuxCommands(ctx context.Context, commands []string, timeout time.Duration, logger *slog.Logger) {
	for _, c := range commands {
		runAuxCommand(ctx, c, timeout, logger)
	}
}

func runAuxCommand(ctx context.Context, command string, timeout time.Duration, logger *slog.Logger) {
	if command == "" {
		return
	}
	argv, err := SplitArgs(command, CoresAll)
	if err != nil || len(argv) == 0 {
		logger.Warn("skipping malformed aux command", "command", command, "error", err)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		logger.Warn("aux command failed", "command", command, "error", err, "output", string(out))
		return
	}
	logger.Debug("aux command completed", "command", command)
}
