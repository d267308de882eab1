package player

import (
	"fmt"

	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag"
)

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}

// FormatSize renders a byte count with 1024-based units, the way the panel
// displays bag sizes.
func FormatSize(size uint64) string {
	v := float64(size)
	i := 0
	for v >= 1024 && i < len(sizeUnits)-1 {
		v /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d %s", size, sizeUnits[0])
	}
	return fmt.Sprintf("%.2f %s", v, sizeUnits[i])
}

// formatDate renders a bag timestamp as a human-readable local date.
func formatDate(t bag.Time) string {
	return t.AsTime().Format("2006-01-02 15:04:05.000")
}
