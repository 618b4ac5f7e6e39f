package reason

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Hash returns a stable, non-cryptographic digest of a package's reason
// set. The mail reporter keys its once-per-batch dedup on it, so a package
// re-evaluated across picker rounds (regular pass + starvation pass) can't
// mail the same report twice.
func Hash(pkg string, rs List) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(pkg)
	for _, r := range rs {
		_, _ = d.WriteString(r.Display())
		_, _ = d.WriteString(strconv.Itoa(r.PriorityClass()))
	}
	return d.Sum64()
}
