package monitor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"codeberg.org/mutker/nvidiastress/internal/telemetry"
)

const timestampLayout = "15:04:05"

// TableRenderer prints each snapshot as a timestamped table.
type TableRenderer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewTableRenderer(w io.Writer) *TableRenderer {
	return &TableRenderer{w: w}
}

// Record prints nothing for a snapshot without devices.
func (r *TableRenderer) Record(_ context.Context, snap telemetry.Snapshot) error {
	if len(snap.Devices) == 0 {
		return nil
	}

	var b strings.Builder

	fmt.Fprintf(&b, "\n--- Metrics at %s ---\n", snap.Timestamp.Format(timestampLayout))
	tw := tabwriter.NewWriter(&b, 0, 0, 1, ' ', 0)
	fmt.Fprintln(tw, "GPU\t| Util\t| Memory (MB)\t| Power (W)\t| Temp (C)")
	for _, d := range snap.Devices {
		fmt.Fprintf(tw, "%s\t| %5.1f%%\t| %d / %d\t| %.1f / %.1f\t| %6.1f\n",
			d.Index,
			d.UtilPercent,
			int64(d.MemUsedMB), int64(d.MemTotalMB),
			d.PowerDrawW, d.PowerLimitW,
			d.TempC,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := io.WriteString(r.w, b.String())

	return err
}

var _ Sink = (*TableRenderer)(nil)
