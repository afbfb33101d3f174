package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/cdr-reporter/internal/resilience"
)

// RemoteFile describes a file in the remote CDR repository.
type RemoteFile struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Fetcher lists and downloads files from a remote CDR repository.
type Fetcher interface {
	// List returns the regular files in the repository directory.
	List(ctx context.Context) ([]RemoteFile, error)

	// DownloadToFile retrieves the named file and writes it to path. Returns bytes written.
	DownloadToFile(ctx context.Context, name string, path string) (int64, error)
}

// MirrorOptions controls which remote files are copied locally.
type MirrorOptions struct {
	Prefix     string        // only names with this prefix; empty = all
	Since      time.Time     // only files modified at or after Since; zero = all
	RatePerSec float64       // max downloads per second; 0 = unlimited
	Retry      resilience.RetryConfig
}

// MirrorResult reports what a mirror pass did.
type MirrorResult struct {
	Listed     int      `json:"listed"`
	Downloaded []string `json:"downloaded"`
	Present    int      `json:"present"` // already on disk with the same size
	Failed     []string `json:"failed"`
}

// Mirror copies matching remote files into localDir. Each file is written to a
// temporary name and renamed into place so a concurrent ingestion scan never
// sees a partial file. A failed download does not stop the pass.
func Mirror(ctx context.Context, f Fetcher, localDir string, opts MirrorOptions) (*MirrorResult, error) {
	log := zap.L().With(zap.String("component", "fetcher.mirror"))

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "mirror: create dir %s", localDir)
	}

	remote, err := resilience.DoVal(ctx, opts.Retry, func(ctx context.Context) ([]RemoteFile, error) {
		return f.List(ctx)
	})
	if err != nil {
		return nil, eris.Wrap(err, "mirror: list remote files")
	}

	sort.Slice(remote, func(i, j int) bool { return remote[i].Name < remote[j].Name })

	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}

	result := &MirrorResult{}
	for _, rf := range remote {
		if opts.Prefix != "" && !strings.HasPrefix(rf.Name, opts.Prefix) {
			continue
		}
		if !opts.Since.IsZero() && rf.ModTime.Before(opts.Since) {
			continue
		}
		result.Listed++

		dest := filepath.Join(localDir, filepath.Base(rf.Name))
		if st, err := os.Stat(dest); err == nil && st.Size() == rf.Size {
			result.Present++
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return result, eris.Wrap(err, "mirror: rate limit wait")
			}
		}

		if err := downloadAtomic(ctx, f, rf.Name, dest, opts.Retry); err != nil {
			if ctx.Err() != nil {
				return result, eris.Wrap(ctx.Err(), "mirror: cancelled")
			}
			log.Error("download failed", zap.String("file", rf.Name), zap.Error(err))
			result.Failed = append(result.Failed, rf.Name)
			continue
		}
		log.Debug("downloaded", zap.String("file", rf.Name), zap.Int64("size", rf.Size))
		result.Downloaded = append(result.Downloaded, rf.Name)
	}

	log.Info("mirror complete",
		zap.Int("listed", result.Listed),
		zap.Int("downloaded", len(result.Downloaded)),
		zap.Int("present", result.Present),
		zap.Int("failed", len(result.Failed)),
	)
	return result, nil
}

func downloadAtomic(ctx context.Context, f Fetcher, name, dest string, retry resilience.RetryConfig) error {
	tmp := filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".part")
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		_, err := f.DownloadToFile(ctx, name, tmp)
		return err
	})
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrapf(err, "rename %s", tmp)
	}
	return nil
}
