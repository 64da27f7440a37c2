package clipboard

import (
	"fmt"
	"os/exec"
	"strings"
)

// WriteString attempts to copy the given string to the system clipboard
// using pbcopy.
func WriteString(s string) error {
	cmd := exec.Command("pbcopy")
	cmd.Stdin = strings.NewReader(s)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pbcopy: %w", err)
	}
	return nil
}
