//go:build !windows

package terminal

import (
	"io"
	"os"
)

// getColorableWriter returns stdout, terminals outside of Windows handle
// ANSI escape codes.
func getColorableWriter() io.Writer {
	return os.Stdout
}
