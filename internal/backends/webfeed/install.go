package webfeed

import (
	"context"
	"fmt"
	"os"

	"github.com/breeze-rmm/autoupdate/internal/logging"
	"github.com/breeze-rmm/autoupdate/internal/updater"
	"github.com/breeze-rmm/autoupdate/internal/workerpool"
)

// InstallComponents downloads, verifies and launches each component on a
// bounded pool. A component's failure does not affect its siblings; only a
// failed preflight aborts the batch.
func (b *Backend) InstallComponents(ctx context.Context, cs []updater.Component, sink updater.ProgressSink) updater.InstallOutcome {
	if err := b.preflight(ctx, cs); err != nil {
		log.Warn("preflight failed, aborting install", logging.KeyError, err.Error())
		return updater.InstallOutcome{Fatal: err}
	}

	pool := workerpool.New(ctx, b.opts.MaxParallel, len(cs),
		workerpool.WithName("webfeed-install"),
		workerpool.WithPanicHandler(func(r any) {
			log.Error("component install panicked", "panic", r)
		}),
	)
	for _, c := range cs {
		if err := pool.Submit(func(ctx context.Context) { b.installOne(ctx, c, sink) }); err != nil {
			fail(sink, c.ID, updater.NewError(updater.KindBackendFault, "install", err))
		}
	}
	// Tasks observe ctx themselves; wait for all of them.
	pool.Shutdown(context.Background())
	return updater.InstallOutcome{}
}

func (b *Backend) installOne(ctx context.Context, c updater.Component, sink updater.ProgressSink) {
	p, err := payloadOf(c)
	if err != nil {
		fail(sink, c.ID, err)
		return
	}
	clog := log.With(logging.KeyUpdateID, c.ID)

	sink.Update(updater.ProgressUpdate{ComponentID: c.ID, Status: updater.StatusDownloading, Message: "downloading " + c.DisplayName()})
	lastPct := -1
	artifact, err := b.verifier.Download(ctx, p.URL, p.Digest, func(done, total int64) {
		if total <= 0 {
			total = c.Size
		}
		if total <= 0 {
			return
		}
		pct := int(done * 100 / total)
		if pct == lastPct {
			return
		}
		lastPct = pct
		sink.Update(updater.ProgressUpdate{ComponentID: c.ID, Status: updater.StatusDownloading, Percent: pct})
	})
	if err != nil {
		clog.Warn("download failed", logging.KeyError, err.Error())
		fail(sink, c.ID, err)
		return
	}
	if err := ctx.Err(); err != nil {
		artifact.Discard()
		fail(sink, c.ID, updater.NewError(updater.KindCancelled, "install", err))
		return
	}

	sink.Update(updater.ProgressUpdate{ComponentID: c.ID, Status: updater.StatusVerifying, Message: "verifying " + p.Digest.Algorithm + " digest"})
	path, err := artifact.Verify()
	if err != nil {
		clog.Warn("verification failed", logging.KeyError, err.Error())
		fail(sink, c.ID, err)
		return
	}
	sink.Update(updater.ProgressUpdate{ComponentID: c.ID, Status: updater.StatusVerifying, Percent: 100})
	if err := ctx.Err(); err != nil {
		removeArtifact(path)
		fail(sink, c.ID, updater.NewError(updater.KindCancelled, "install", err))
		return
	}

	sink.Update(updater.ProgressUpdate{ComponentID: c.ID, Status: updater.StatusInstalling, Message: "starting installer"})
	h, err := b.launcher.Launch(ctx, path, p.Args)
	if err != nil {
		clog.Warn("installer launch failed", logging.KeyError, err.Error())
		removeArtifact(path)
		fail(sink, c.ID, err)
		return
	}

	msg := fmt.Sprintf("handed off to installer (pid %d)", h.PID)
	if h.Deferred {
		msg = "installer will run on exit"
	}
	clog.Info("component handed off", "path", path, "pid", h.PID, "deferred", h.Deferred)
	sink.Update(updater.ProgressUpdate{ComponentID: c.ID, Status: updater.StatusInstalled, Percent: 100, Message: msg})
}

func fail(sink updater.ProgressSink, id string, err error) {
	status := updater.StatusFailed
	if updater.IsCancelled(err) {
		status = updater.StatusCancelled
	}
	sink.Update(updater.ProgressUpdate{
		ComponentID: id,
		Status:      status,
		Message:     err.Error(),
		Err:         updater.ForComponent(err, id),
	})
}

func removeArtifact(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove artifact", "path", path, logging.KeyError, err.Error())
	}
}
