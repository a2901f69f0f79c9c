package runtime

import (
	"regexp"
	"strconv"
	"sync"
)

var namePattern = regexp.MustCompile(`^(.+)-(\d+)$`)

var nameMu sync.Mutex

// GenerateContainerName returns the lowest-numbered "<prefix>-N" not present
// in existing: a fresh fleet gets engine-1, engine-2, ...; a fleet that lost
// engine-2 reuses it before ever reaching engine-11. The existing-name set
// comes straight from the caller; NoopRuntime.Launch passes the names of
// the engines it currently holds.
func GenerateContainerName(prefix string, existing []string) string {
	nameMu.Lock()
	defer nameMu.Unlock()

	used := make(map[int]struct{}, len(existing))
	for _, name := range existing {
		m := namePattern.FindStringSubmatch(name)
		if m == nil || m[1] != prefix {
			continue
		}
		n := 0
		for _, c := range m[2] {
			n = n*10 + int(c-'0')
		}
		used[n] = struct{}{}
	}

	next := 1
	for {
		if _, taken := used[next]; !taken {
			break
		}
		next++
	}
	return prefix + "-" + strconv.Itoa(next)
}
