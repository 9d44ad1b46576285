package process

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// LookupEncoding resolves a worker output encoding by name. An empty name or
// "null" means the output is passed through undecoded and returns nil.
// Names like "utf8" or "utf16" are accepted as aliases of "utf-8"/"utf-16".
func LookupEncoding(name string) (encoding.Encoding, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" || n == "null" {
		return nil, nil
	}
	if strings.HasPrefix(n, "utf") && !strings.HasPrefix(n, "utf-") {
		n = "utf-" + n[3:]
	}
	enc, err := htmlindex.Get(n)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", name, err)
	}
	return enc, nil
}
