package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/italolelis/urlrelay/internal/archive"
	"github.com/italolelis/urlrelay/internal/logctx"
	"github.com/italolelis/urlrelay/internal/naming"
	"github.com/italolelis/urlrelay/internal/registry"
	"github.com/italolelis/urlrelay/internal/storage"
)

const maxScratchAttempts = 10

// extract unpacks the job's archive into a fresh scratch directory and uploads the
// members one at a time. It owns the job until it returns: every path out of it
// removes the scratch directory, the archive and the registry entry.
func (r *Relay) extract(ctx context.Context, job *registry.Job) {
	logger := logctx.LoggerFromContext(ctx)
	archivePath := job.LocalPath()

	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	scratch, err := r.scratchDir()
	if err != nil {
		logger.ErrorContext(ctx, "failed to create scratch dir", "err", err)
		r.removePath(cctx, archivePath)
		job.Status.Final(cctx, fmt.Sprintf("❌ Could not extract `%s`.", filepath.Base(archivePath)))
		r.finish(cctx, job, storage.StatusFailed, err.Error())

		return
	}

	job.SetScratchDir(scratch)
	job.Status.Render(ctx, extractingText(archivePath, scratch), true)

	var members []string

	err = r.telemetry.InstrumentExtraction(ctx, func(context.Context) error {
		var err error

		members, err = archive.ExtractAll(archivePath, scratch)

		return err
	})
	if err != nil {
		r.removePath(cctx, scratch)
		r.removePath(cctx, archivePath)

		var invalid *archive.InvalidArchiveError
		if errors.As(err, &invalid) {
			logger.WarnContext(cctx, "invalid archive", "err", err)
			job.Status.Final(cctx, invalidArchiveText(filepath.Base(archivePath)))
		} else {
			logger.ErrorContext(cctx, "extraction failed", "err", err)
			job.Status.Final(cctx, fmt.Sprintf("❌ Could not extract `%s`.", filepath.Base(archivePath)))
		}

		r.finish(cctx, job, storage.StatusFailed, err.Error())

		return
	}

	sort.Strings(members)

	logger.InfoContext(ctx, "archive extracted", "members", len(members), "scratch", scratch)

	uploaded := 0
	used := make(map[string]struct{}, len(members))

	for _, member := range members {
		if job.Cancelled() {
			r.abortExtraction(cctx, job, scratch, archivePath)

			return
		}

		path, err := r.sanitizeMember(member, used)
		if err != nil {
			logger.WarnContext(ctx, "skipping member", "err", err)
			r.removePath(cctx, member)

			continue
		}

		err = r.upload(ctx, job, path, false)
		r.removePath(cctx, path)

		if isAborted(err) {
			r.abortExtraction(cctx, job, scratch, archivePath)

			return
		}

		if err == nil {
			uploaded++
		}
	}

	r.removePath(cctx, scratch)
	r.removePath(cctx, archivePath)

	if uploaded == len(members) {
		job.Status.Final(cctx, msgArchiveDone)
		r.finish(cctx, job, storage.StatusCompleted, fmt.Sprintf("%d files uploaded", uploaded))

		return
	}

	job.Status.Final(cctx, archivePartialText(uploaded, len(members)))
	r.finish(cctx, job, storage.StatusFailed, fmt.Sprintf("%d of %d files uploaded", uploaded, len(members)))
}

// abortExtraction ends a job cancelled between or during member uploads.
func (r *Relay) abortExtraction(ctx context.Context, job *registry.Job, scratch, archivePath string) {
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "extraction cancelled")

	r.removePath(ctx, scratch)
	r.removePath(ctx, archivePath)
	r.cancelled(ctx, job, msgJobCancelled, "cancelled during extraction")
}

// scratchDir creates a uniquely named directory under the download dir.
func (r *Relay) scratchDir() (string, error) {
	for range maxScratchAttempts {
		dir := filepath.Join(r.cfg.DownloadDir, naming.RandomToken())

		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}

		if !os.IsExist(err) {
			return "", &FilesystemError{Op: "create", Path: dir, Err: err}
		}
	}

	return "", &FilesystemError{Op: "create", Path: r.cfg.DownloadDir, Err: errors.New("no free scratch directory name")}
}

// sanitizeMember renames an extracted file to its sanitized base name and returns
// the new path. A member is never uploaded under an unsanitized name, and no two
// members of one archive share a destination name: used holds the names already
// taken and gains the returned one.
func (r *Relay) sanitizeMember(path string, used map[string]struct{}) (string, error) {
	base := filepath.Base(path)

	clean := naming.Sanitize(base)
	if clean == "" || clean == "." || clean == ".." {
		clean = naming.RandomToken() + filepath.Ext(base)
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(clean)
	stem := clean[:len(clean)-len(ext)]

	for i := 0; i < maxScratchAttempts && memberTaken(used, path, filepath.Join(dir, clean)); i++ {
		clean = stem + "-" + naming.RandomToken() + ext
	}

	used[clean] = struct{}{}

	if clean == base {
		return path, nil
	}

	target := filepath.Join(dir, clean)
	if err := os.Rename(path, target); err != nil {
		return "", &FilesystemError{Op: "rename", Path: path, Err: err}
	}

	return target, nil
}

func memberTaken(used map[string]struct{}, path, target string) bool {
	if _, ok := used[filepath.Base(target)]; ok {
		return true
	}

	if target == path {
		return false
	}

	_, err := os.Lstat(target)

	return err == nil
}
