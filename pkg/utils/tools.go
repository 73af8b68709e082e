package utils

import (
	"fmt"
	"os/exec"
	"strings"
)

// RequiredTools are the external binaries the pipeline shells out to.
var RequiredTools = []string{"git", "claude"}

// VerifyRequiredTools checks that every required external binary is on PATH
// and returns the names of the missing ones.
func VerifyRequiredTools() []string {
	var missing []string
	for _, tool := range RequiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	return missing
}

// FormatToolVerificationError builds a user-facing message for missing tools.
func FormatToolVerificationError(missing []string) string {
	return fmt.Sprintf("missing required tools: %s (install them and make sure they are on PATH)",
		strings.Join(missing, ", "))
}
