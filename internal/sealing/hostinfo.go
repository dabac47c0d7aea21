// Copyright (c) 2025 Justin Cranford

package sealing

import (
	"fmt"

	"github.com/shirou/gopsutil/host"
)

// hostDetail augments the software-fallback status with the host facts an
// operator needs to tell one downgraded agent from another, the same role
// gopsutil plays for the teacher's sysinfo package.
func hostDetail() string {
	info, err := host.Info()
	if err != nil {
		return "hardware sealing unavailable or disabled; using software fallback KEK"
	}
	return fmt.Sprintf(
		"hardware sealing unavailable or disabled; using software fallback KEK (host=%s os=%s/%s platform=%s)",
		info.Hostname, info.OS, info.KernelArch, info.Platform,
	)
}
