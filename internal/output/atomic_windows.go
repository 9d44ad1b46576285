//go:build windows

package output

import "os"

// renameio has no Windows support; a plain overwrite is the best available.
func writeFileAtomic(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
