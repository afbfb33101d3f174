package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cdr-reporter/internal/model"
)

// checksumFile is swapped in tests.
var checksumFile = Checksum

// Scan lists the CDR files in dir whose names start with prefix, sorted by
// name. Dotfiles and in-flight downloads (.part) are skipped. Each file is
// checksummed; a file that cannot be stat'ed or read is returned in
// unreadable as a FileReadError result instead of failing the scan.
func Scan(ctx context.Context, dir, prefix string) (files []model.RawFile, unreadable []model.FileResult, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "ingest: read dir %s", dir)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, nil, eris.Wrap(err, "ingest: scan cancelled")
		}
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") {
			continue
		}
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}

		path := filepath.Join(dir, name)
		info, err := e.Info()
		if err != nil {
			unreadable = append(unreadable, readError(name, eris.Wrapf(err, "ingest: stat %s", path)))
			continue
		}
		sum, err := checksumFile(path)
		if err != nil {
			unreadable = append(unreadable, readError(name, err))
			continue
		}
		files = append(files, model.RawFile{
			Path:     path,
			Size:     info.Size(),
			ModTime:  info.ModTime().UTC(),
			Checksum: sum,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, unreadable, nil
}

func readError(name string, err error) model.FileResult {
	zap.L().Warn("file unreadable at scan", zap.String("file", name), zap.Error(err))
	return model.FileResult{
		File:   model.FileIdentity{Name: name},
		Status: model.FileReadError,
		Reason: fmt.Sprintf("read: %v", err),
	}
}

// Checksum returns the hex xxhash64 of the file content.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", eris.Wrapf(err, "ingest: checksum %s", path)
	}
	return sumHex(h), nil
}

func sumHex(h *xxhash.Digest) string {
	return fmt.Sprintf("%016x", h.Sum64())
}
