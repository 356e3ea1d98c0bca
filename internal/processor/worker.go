package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jo-hoe/subtitler/internal/artifacts"
	"github.com/jo-hoe/subtitler/internal/common"
	"github.com/jo-hoe/subtitler/internal/config"
	"github.com/jo-hoe/subtitler/internal/jobs"
	"github.com/jo-hoe/subtitler/internal/subtitle"
	"github.com/jo-hoe/subtitler/internal/transcriber"
)

// Worker implements jobs.Processor. It runs the staged pipeline for one
// claimed job: prepare input, one transcription stage per requested output,
// finalize. Every stage boundary is a cancellation checkpoint.
type Worker struct {
	Log         *slog.Logger
	Cfg         *config.Config
	Store       jobs.Store
	Transcriber transcriber.Transcriber
	Reaper      *artifacts.Reaper
}

// Ensure Worker implements jobs.Processor
var _ jobs.Processor = (*Worker)(nil)

func New(log *slog.Logger, cfg *config.Config, store jobs.Store, tr transcriber.Transcriber, reaper *artifacts.Reaper) *Worker {
	return &Worker{
		Log:         log,
		Cfg:         cfg,
		Store:       store,
		Transcriber: tr,
		Reaper:      reaper,
	}
}

// errStopped signals that a checkpoint observed the cancellation flag and the
// pipeline must not proceed to the next stage.
var errStopped = errors.New("stopped at cancellation checkpoint")

func (w *Worker) Process(ctx context.Context, job *jobs.Job) error {
	log := w.Log.With("job_id", job.ID)

	// Hard wall-clock ceiling for the transcription work. Store writes run on
	// the parent context so a ceiling hit can still be recorded.
	jobCtx, cancelJob := context.WithTimeout(ctx, w.Cfg.Worker.TimeLimit)
	defer cancelJob()

	if err := w.checkpoint(ctx, job.ID); err != nil {
		if errors.Is(err, errStopped) {
			log.Info("job cancelled before start")
			return nil
		}
		return err
	}

	step := 1
	if err := w.Store.UpdateProgress(ctx, job.ID, step, "preparing input"); err != nil {
		return fmt.Errorf("report prepare stage: %w", err)
	}
	localPath, err := w.prepareInput(job)
	if err != nil {
		w.finishWithError(ctx, job.ID, jobs.ErrKindInternal, fmt.Sprintf("prepare input: %v", err))
		return err
	}
	// The durable upload and the processing-local copy both use the short
	// retention window. The upload outlives the copy slightly so a
	// redelivered job can still re-materialize it.
	w.Reaper.ScheduleAfter(job.InputPath, w.Cfg.Retention.Input)
	defer w.Reaper.ScheduleAfter(localPath, w.Cfg.Retention.Input)

	for _, kind := range job.RequestedOutputs {
		step++
		if err := w.checkpoint(ctx, job.ID); err != nil {
			if errors.Is(err, errStopped) {
				log.Info("job cancelled at checkpoint", "step", step)
				return nil
			}
			return err
		}
		// Progress goes out before the long transcriber call so pollers see
		// "about to do X" rather than only "did X".
		msg := fmt.Sprintf("generating %s subtitles", kind)
		if err := w.Store.UpdateProgress(ctx, job.ID, step, msg); err != nil {
			return fmt.Errorf("report stage %d: %w", step, err)
		}

		segments, err := w.Transcriber.Transcribe(jobCtx, localPath, modeFor(kind))
		if err != nil {
			return w.stageFailed(ctx, job.ID, kind, err)
		}

		outPath, err := w.writeOutput(job.ID, kind, segments)
		if err != nil {
			w.finishWithError(ctx, job.ID, jobs.ErrKindInternal, fmt.Sprintf("write %s artifact: %v", kind, err))
			return err
		}
		if err := w.Store.SetArtifact(ctx, job.ID, kind, outPath); err != nil {
			w.finishWithError(ctx, job.ID, jobs.ErrKindInternal, fmt.Sprintf("record %s artifact: %v", kind, err))
			return err
		}
		w.Reaper.ScheduleAfter(outPath, w.Cfg.Retention.Output)
		log.Info("artifact produced", "kind", kind, "path", outPath)
	}

	step++
	if err := w.checkpoint(ctx, job.ID); err != nil {
		if errors.Is(err, errStopped) {
			log.Info("job cancelled at checkpoint", "step", step)
			return nil
		}
		return err
	}
	if err := w.Store.UpdateProgress(ctx, job.ID, step, "finalizing"); err != nil {
		return fmt.Errorf("report finalize stage: %w", err)
	}

	expiresAt := time.Now().UTC().Add(w.Cfg.Retention.Record)
	written, err := w.Store.SaveResult(ctx, job.ID, step, expiresAt)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	if !written {
		// A cancel write landed between the last checkpoint and here; the
		// terminal record stays cancelled.
		log.Info("result write skipped, record already terminal")
		return nil
	}
	// A marker raised after our last checkpoint but too late to win the
	// terminal write is stale now.
	w.clearStaleMarker(ctx, job.ID)
	return nil
}

// checkpoint consults the cancellation registry. When the flag is set, it
// writes the cancelled terminal record (skipping if one is already there) and
// reports errStopped.
func (w *Worker) checkpoint(ctx context.Context, id string) error {
	marked, err := w.Store.CancelRequested(ctx, id)
	if err != nil {
		return fmt.Errorf("read cancellation registry: %w", err)
	}
	if !marked {
		return nil
	}
	expiresAt := time.Now().UTC().Add(w.Cfg.Retention.Record)
	if _, err := w.Store.MarkCancelled(ctx, id, expiresAt); err != nil {
		return fmt.Errorf("write cancelled record: %w", err)
	}
	// The cancellation is acknowledged; the marker has served its purpose.
	if err := w.Store.ClearCancel(ctx, id); err != nil {
		w.Log.Warn("clear acknowledged cancellation marker", "job_id", id, "err", err)
	}
	return errStopped
}

// stageFailed classifies a transcriber error and records the failed terminal
// state. Shutdown cancellation is the exception: the job is left untouched
// for lease-expiry redelivery.
func (w *Worker) stageFailed(ctx context.Context, id string, kind jobs.OutputKind, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		w.finishWithError(ctx, id, jobs.ErrKindTimeout, "processing time limit exceeded")
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("transcribe %s interrupted by shutdown: %w", kind, err)
	default:
		w.finishWithError(ctx, id, jobs.ErrKindDecode, fmt.Sprintf("transcribe %s: %v", kind, err))
	}
	return err
}

func (w *Worker) finishWithError(ctx context.Context, id string, kind jobs.ErrorKind, detail string) {
	expiresAt := time.Now().UTC().Add(w.Cfg.Retention.Record)
	written, err := w.Store.SaveError(ctx, id, kind, detail, expiresAt)
	if err != nil {
		w.Log.Error("save error record", "job_id", id, "err", err)
		return
	}
	if written {
		w.clearStaleMarker(ctx, id)
	}
}

// clearStaleMarker drops a cancellation flag observed only after a
// succeeded/failed terminal write already landed. Not an error, just a lost
// race on the registry.
func (w *Worker) clearStaleMarker(ctx context.Context, id string) {
	marked, err := w.Store.CancelRequested(ctx, id)
	if err != nil || !marked {
		return
	}
	if err := w.Store.ClearCancel(ctx, id); err != nil {
		w.Log.Warn("clear stale cancellation marker", "job_id", id, "err", err)
		return
	}
	w.Log.Info("stale cancellation marker cleared", "job_id", id)
}

// prepareInput materializes the durable upload to a processing-local path.
func (w *Worker) prepareInput(job *jobs.Job) (string, error) {
	workDir := filepath.Join(w.Cfg.Server.StorageDir, common.WorkDirName)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure work dir: %w", err)
	}

	src, err := os.Open(job.InputPath)
	if err != nil {
		return "", fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = src.Close() }()

	localPath := filepath.Join(workDir, job.ID+filepath.Ext(job.InputPath))
	dst, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create local copy: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(localPath)
		return "", fmt.Errorf("copy input: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close local copy: %w", err)
	}
	return localPath, nil
}

func (w *Worker) writeOutput(jobID string, kind jobs.OutputKind, segments []subtitle.Segment) (string, error) {
	outDir := filepath.Join(w.Cfg.Server.StorageDir, common.OutputsDirName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure outputs dir: %w", err)
	}
	outPath := filepath.Join(outDir, fmt.Sprintf("%s_%s%s", jobID, kind, common.SubtitleExt))
	if err := subtitle.WriteFile(outPath, segments); err != nil {
		return "", err
	}
	return outPath, nil
}

func modeFor(kind jobs.OutputKind) transcriber.Mode {
	if kind == jobs.OutputTranslation {
		return transcriber.ModeTranslate
	}
	return transcriber.ModeTranscribe
}
