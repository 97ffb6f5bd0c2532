//go:build linux

package rostercsv

import (
	"bufio"
	"bytes"
	"os"
	"sort"
	"strconv"
	"strings"
)

// processRSSBytes reads the resident set size from /proc/self/statm.
func processRSSBytes() (uint64, bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * uint64(os.Getpagesize()), true
}

// processSmapsRollupBytes returns the Rss/Anonymous/Shmem style counters
// from /proc/self/smaps_rollup in bytes. Browser engines run as child
// processes, so these only describe the server itself.
func processSmapsRollupBytes() (map[string]uint64, bool) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return nil, false
	}
	defer f.Close()

	want := map[string]bool{"Rss": true, "Pss": true, "Anonymous": true, "Shared_Clean": true, "Shmem": true}
	vals := make(map[string]uint64)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, rest, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok || !want[key] {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		vals[key] = n * 1024
	}
	if sc.Err() != nil || len(vals) == 0 {
		return nil, false
	}
	return vals, true
}

func formatSmapsRollup(vals map[string]uint64) string {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatBytes(vals[k]))
	}
	return strings.Join(parts, " ")
}
