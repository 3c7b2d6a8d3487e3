package cluster

import (
	"fmt"
	"strings"

	"github.com/alessio/shellescape"
)

// WrapCommands turns a list of commands into a single command line runnable by
// the node's shell. Linux commands run under bash with errexit and pipefail.
func WrapCommands(osName string, commands []string) (string, error) {
	if len(commands) == 0 {
		return "", nil
	}

	switch strings.ToLower(osName) {
	case "linux":
		script := fmt.Sprintf("set -e; set -o pipefail; %s; wait", strings.Join(commands, "; "))
		return "/bin/bash -c " + shellescape.Quote(script), nil
	case "windows":
		return fmt.Sprintf(`cmd.exe /c "%s"`, strings.Join(commands, "&")), nil
	default:
		return "", fmt.Errorf("unsupported os '%s'", osName)
	}
}
