package task

import (
	"fmt"

	"github.com/mattn/go-shellwords"
)

// SplitArgs performs POSIX shell-style argument splitting on a task's
// args string, exactly like the `shlex.split` call in the Python
// original. If cores names a specific NUMA mask (anything but
// CoresAll), the argv is prefixed with `numactl --physcpubind=<cores>`
// so the subprocess is pinned before exec.
func SplitArgs(args, cores string) ([]string, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = false
	parser.ParseBacktick = false

	argv, err := parser.Parse(args)
	if err != nil {
		return nil, fmt.Errorf("splitting task args %q: %w", args, err)
	}

	if cores != "" && cores != CoresAll {
		prefix := []string{"numactl", "--physcpubind=" + cores}
		argv = append(prefix, argv...)
	}
	return argv, nil
}
