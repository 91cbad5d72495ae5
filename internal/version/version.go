// Package version reports the build version shown by the health endpoint.
package version

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const Fallback = "dev"

// FromFile reads a release version such as "1.4.2" or "v1.4.2" from path.
// A missing file yields Fallback without an error.
func FromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Fallback, nil
	}
	if err != nil {
		return Fallback, fmt.Errorf("read version file: %w", err)
	}

	v := strings.TrimSpace(string(data))
	if _, err := ExtractMajorVersion(v); err != nil {
		return Fallback, fmt.Errorf("version file %s: %w", path, err)
	}
	return v, nil
}

func ExtractMajorVersion(version string) (int, error) {
	version = strings.TrimPrefix(version, "v")
	if version == "" {
		return 0, fmt.Errorf("empty version string")
	}

	major, err := strconv.Atoi(strings.Split(version, ".")[0])
	if err != nil {
		return 0, fmt.Errorf("invalid major version: %v", err)
	}

	if major < 0 {
		return 0, fmt.Errorf("major version cannot be negative")
	}

	return major, nil
}
