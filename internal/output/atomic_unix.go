//go:build !windows

package output

import (
	"os"

	"github.com/google/renameio/v2"
)

func writeFileAtomic(path string, data []byte) error {
	return renameio.WriteFile(path, data, os.FileMode(0o644))
}
