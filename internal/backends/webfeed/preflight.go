package webfeed

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/breeze-rmm/autoupdate/internal/updater"
)

// PreflightError reports a shared precondition that failed before any
// component was touched.
type PreflightError struct {
	Check   string
	Message string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("preflight check %q failed: %s", e.Check, e.Message)
}

func diskFree(ctx context.Context, dir string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// preflight verifies the download directory can hold every selected
// artifact plus the configured headroom. A failure is fatal to the batch.
func (b *Backend) preflight(ctx context.Context, cs []updater.Component) error {
	var need uint64
	for _, c := range cs {
		if c.Size > 0 {
			need += uint64(c.Size)
		}
	}
	need += b.opts.MinFreeBytes
	if need == 0 {
		return nil
	}

	free, err := b.freeSpace(ctx, b.verifier.Dir())
	if err != nil {
		log.Warn("disk usage unavailable, skipping space check", "dir", b.verifier.Dir(), "error", err.Error())
		return nil
	}
	if free < need {
		return updater.NewError(updater.KindBackendFault, "preflight", &PreflightError{
			Check:   "disk_space",
			Message: fmt.Sprintf("%d bytes free in %s, %d required", free, b.verifier.Dir(), need),
		})
	}
	return nil
}
