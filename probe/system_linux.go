//go:build linux

package probe

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// loadShift is SI_LOAD_SHIFT from the kernel's sysinfo ABI.
const loadShift = 16

func sampleHost(diskPath string, s *Snapshot) error {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return err
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	avail := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	if memAvail, ok := readMemAvailable(); ok {
		avail = memAvail
	}
	s.RAMTotalGB = float64(total) / bytesPerGB
	s.RAMAvailableGB = float64(avail) / bytesPerGB
	if total > 0 {
		s.RAMUsedPercent = 100 * float64(total-avail) / float64(total)
	}

	if s.CPUThreads > 0 {
		load1 := float64(uint64(info.Loads[0])) / float64(uint64(1)<<loadShift)
		s.CPULoadPercent = min(100, 100*load1/float64(s.CPUThreads))
	}

	var st unix.Statfs_t
	if err := unix.Statfs(diskPath, &st); err != nil {
		return err
	}
	bsize := uint64(st.Bsize)
	s.DiskFreeGB = float64(uint64(st.Bavail)*bsize) / bytesPerGB
	s.DiskTotalGB = float64(uint64(st.Blocks)*bsize) / bytesPerGB

	s.CPUTempC = readThermalZones("/sys/class/thermal")
	return nil
}

// readMemAvailable reads MemAvailable from /proc/meminfo, which accounts for reclaimable
// page cache unlike sysinfo's free+buffer figure.
func readMemAvailable() (uint64, bool) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}

// readThermalZones returns the hottest zone in degrees Celsius, zero if none are readable.
func readThermalZones(root string) float64 {
	zones, _ := filepath.Glob(filepath.Join(root, "thermal_zone*", "temp"))
	var hottest float64
	for _, z := range zones {
		data, err := os.ReadFile(z)
		if err != nil {
			continue
		}
		milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		if c := milli / 1000; c > hottest {
			hottest = c
		}
	}
	return hottest
}
