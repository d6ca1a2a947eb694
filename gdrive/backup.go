package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"google.golang.org/api/drive/v3"

	"github.com/dtc-innovation/backoff"
)

const defaultTransfers = 8

type exportFormat struct {
	mimeType  string
	extension string
}

// Drive-native documents have no content of their own and are exported to these formats instead.
var exportFormats = map[string]exportFormat{
	DocumentMimeType:     {"application/vnd.oasis.opendocument.text", ".odt"},
	SpreadsheetMimeType:  {"application/x-vnd.oasis.opendocument.spreadsheet", ".ods"},
	PresentationMimeType: {"application/vnd.oasis.opendocument.presentation", ".odp"},
	DrawingMimeType:      {"image/svg+xml", ".svg"},
}

// Options configures a Backup.
type Options struct {
	// Resource names the credential the backup's calls share a rate limit on.
	Resource string
	// QPS, if positive, paces calls on the client side as well. Burst defaults to 1.
	QPS   float64
	Burst int
	// Transfers bounds how many exports and downloads run at once. Defaults to 8.
	Transfers int
	Log       *zap.Logger
}

// Summary counts what a backup did.
type Summary struct {
	Folders    int64
	Exported   int64
	Downloaded int64
	Skipped    int64
	Bytes      int64
}

// Backup mirrors Drive folders to local directories.
type Backup struct {
	files     Files
	coord     *backoff.Coordinator[string]
	resource  string
	log       *zap.Logger
	limiter   *rate.Limiter
	transfers *semaphore.Weighted
}

func NewBackup(files Files, coord *backoff.Coordinator[string], opts Options) *Backup {
	if opts.Resource == "" {
		opts.Resource = "drive"
	}
	if opts.Transfers <= 0 {
		opts.Transfers = defaultTransfers
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.QPS > 0 {
		if opts.Burst <= 0 {
			opts.Burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.QPS), opts.Burst)
	}
	return &Backup{
		files:     files,
		coord:     coord,
		resource:  opts.Resource,
		log:       opts.Log,
		limiter:   limiter,
		transfers: semaphore.NewWeighted(int64(opts.Transfers)),
	}
}

// Run copies the tree under folderID into dir, creating dir if needed. Subfolders become
// directories, Drive-native documents are exported and everything else is downloaded as is. The
// first failure stops the walk.
func (b *Backup) Run(ctx context.Context, folderID, dir string) (Summary, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Summary{}, Error.Wrap(err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	w := &walk{Backup: b, eg: eg}
	eg.Go(func() error {
		return w.folder(ctx, folderID, dir)
	})
	err := eg.Wait()
	return w.summary(), err
}

type walk struct {
	*Backup
	eg *errgroup.Group

	folders    atomic.Int64
	exported   atomic.Int64
	downloaded atomic.Int64
	skipped    atomic.Int64
	bytes      atomic.Int64
}

func (w *walk) summary() Summary {
	return Summary{
		Folders:    w.folders.Load(),
		Exported:   w.exported.Load(),
		Downloaded: w.downloaded.Load(),
		Skipped:    w.skipped.Load(),
		Bytes:      w.bytes.Load(),
	}
}

func (w *walk) folder(ctx context.Context, folderID, dir string) error {
	files, err := w.list(ctx, folderID)
	if err != nil {
		return Error.Wrap(fmt.Errorf("listing folder %s: %w", folderID, err))
	}
	w.folders.Add(1)
	w.log.Info("listed folder", zap.String("id", folderID), zap.String("dir", dir), zap.Int("files", len(files)))

	names := make(localNames, len(files))
	for _, f := range files {
		w.log.Debug("file", zap.String("id", f.Id), zap.String("name", f.Name), zap.String("mime_type", f.MimeType))

		switch format, exportable := exportFormats[f.MimeType]; {
		case f.MimeType == FolderMimeType:
			path := filepath.Join(dir, names.claim(f.Name, "", f.Id))
			if err := os.Mkdir(path, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return Error.Wrap(err)
			}
			w.eg.Go(func() error {
				return w.folder(ctx, f.Id, path)
			})
		case exportable:
			path := filepath.Join(dir, names.claim(f.Name, format.extension, f.Id))
			w.eg.Go(func() error {
				return w.transfer(ctx, path, &w.exported, func(ctx context.Context) (io.ReadCloser, error) {
					return w.files.Export(ctx, f.Id, format.mimeType)
				})
			})
		case strings.HasPrefix(f.MimeType, googleAppsPrefix):
			// Forms, shortcuts, sites and the like have nothing to download.
			w.skipped.Add(1)
			w.log.Warn("skipping file with no downloadable content",
				zap.String("id", f.Id), zap.String("name", f.Name), zap.String("mime_type", f.MimeType))
		default:
			path := filepath.Join(dir, names.claim(f.Name, "", f.Id))
			w.eg.Go(func() error {
				return w.transfer(ctx, path, &w.downloaded, func(ctx context.Context) (io.ReadCloser, error) {
					return w.files.Download(ctx, f.Id)
				})
			})
		}
	}
	return nil
}

func (w *walk) list(ctx context.Context, folderID string) ([]*drive.File, error) {
	var files []*drive.File
	pageToken := ""
	for {
		page, err := backoff.Do(ctx, w.coord, w.resource, func(ctx context.Context) (*drive.FileList, error) {
			if err := w.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return w.files.List(ctx, folderID, pageToken)
		})
		if err != nil {
			return nil, err
		}
		files = append(files, page.Files...)
		if page.NextPageToken == "" {
			return files, nil
		}
		pageToken = page.NextPageToken
	}
}

// transfer writes what open returns to path. Opening and copying are retried together, so a
// throttled request is simply made again once the resource recovers.
func (w *walk) transfer(
	ctx context.Context,
	path string,
	counter *atomic.Int64,
	open func(context.Context) (io.ReadCloser, error),
) error {
	if err := w.transfers.Acquire(ctx, 1); err != nil {
		return Error.Wrap(err)
	}
	defer w.transfers.Release(1)

	n, err := backoff.Do(ctx, w.coord, w.resource, func(ctx context.Context) (int64, error) {
		if err := w.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		body, err := open(ctx)
		if err != nil {
			return 0, err
		}
		defer func() { _ = body.Close() }()
		return writeFile(path, body)
	})
	if err != nil {
		return Error.Wrap(fmt.Errorf("saving %s: %w", path, err))
	}
	counter.Add(1)
	w.bytes.Add(n)
	w.log.Debug("saved", zap.String("path", path), zap.Int64("bytes", n))
	return nil
}

// writeFile copies r into a temporary file next to path and renames it into place, so a failed
// or concurrent attempt never leaves a partial file at path.
func writeFile(path string, r io.Reader) (_ int64, err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()

	n, err := io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		return n, err
	}
	if err := f.Close(); err != nil {
		return n, err
	}
	return n, os.Rename(f.Name(), path)
}

// localNames hands out the local names of one folder's entries. Drive allows several files with
// one name in a folder, and an exported document can land on the name of an uploaded file, so
// names are compared after the export extension is added.
type localNames map[string]bool

// claim returns a local name for the Drive file id called name, with ext appended. If that is
// taken, the file's id is put between the name and ext.
func (n localNames) claim(name, ext, id string) string {
	base := localName(name)
	local := base + ext
	if n[local] {
		local = base + "_" + id + ext
	}
	for i := 1; n[local]; i++ {
		local = fmt.Sprintf("%s_%s_%d%s", base, id, i, ext)
	}
	n[local] = true
	return local
}

// localName turns a Drive file name, which may contain path separators, into a single path
// element.
func localName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	if os.PathSeparator != '/' {
		name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	}
	switch name {
	case "", ".", "..":
		return "_" + name
	}
	return name
}
