package presence

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"go.uber.org/zap"
)

// AccessList is the set of trusted device MAC addresses.
type AccessList map[string]struct{}

// LoadAccessList reads one MAC per line. Blank lines and lines starting with
// '#' are ignored; anything after the first whitespace-separated field is a
// free-form label. Malformed entries are logged and skipped.
func LoadAccessList(path string, logger *zap.Logger) (AccessList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open access list: %w", err)
	}
	defer f.Close()

	list := make(AccessList)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		field := strings.Fields(line)[0]
		mac, ok := NormalizeMAC(field)
		if !ok {
			if logger != nil {
				logger.Warn("skipping malformed access list entry",
					zap.String("path", path), zap.Int("line", lineNo), zap.String("entry", field))
			}
			continue
		}
		list[mac] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read access list: %w", err)
	}
	return list, nil
}

func (a AccessList) Contains(mac string) bool {
	norm, ok := NormalizeMAC(mac)
	if !ok {
		return false
	}
	_, found := a[norm]
	return found
}

// NormalizeMAC returns the lower-case colon form of a hardware address.
func NormalizeMAC(s string) (string, bool) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return hw.String(), true
}
