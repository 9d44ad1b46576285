//go:build !linux

package registry

// Default returns the registry for this platform.
func Default() (Registry, error) { return nil, ErrUnsupported }
