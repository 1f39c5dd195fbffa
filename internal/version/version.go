package version

import (
	"strconv"
	"strings"
)

// Version is the envrun release version. Overridden at build time via
// -ldflags "-X github.com/envrun/envrun/internal/version.Version=v1.2.3".
var Version = "0.4.0"

// AtLeast reports whether the running version satisfies a dotted minimum
// such as "0.3" or "v1.2.0". Non-numeric components count as zero.
func AtLeast(minimum string) bool {
	return compare(Version, minimum) >= 0
}

func compare(a, b string) int {
	as := strings.Split(strings.TrimPrefix(strings.TrimSpace(a), "v"), ".")
	bs := strings.Split(strings.TrimPrefix(strings.TrimSpace(b), "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
