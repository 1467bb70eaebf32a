package hub

import (
	"context"
	"iter"
	"path"
	"path/filepath"
	"strings"

	"github.com/gomlx/formula-solver/internal/downloader"
	"github.com/pkg/errors"
)

// IterFileNames iterate over the file names stored in the repo.
// It doesn't trigger the downloading of the repo, only of the repo info.
func (r *Repo) IterFileNames() iter.Seq2[string, error] {
	err := r.DownloadInfo(false)
	if err != nil {
		// Error downloading: yield error only.
		return func(yield func(string, error) bool) {
			yield("", err)
		}
	}
	return func(yield func(string, error) bool) {
		for _, si := range r.info.Siblings {
			fileName := si.Name
			if path.IsAbs(fileName) || strings.Contains(fileName, "..") {
				yield("", errors.Errorf("repository %q contains illegal file name %q -- it cannot be an absolute path, nor contain \"..\"",
					r.ID, fileName))
				return
			}
			if !yield(fileName, nil) {
				return
			}
		}
	}
}

// HasFile returns whether the repository lists fileName. It downloads the repository info if needed.
func (r *Repo) HasFile(fileName string) (bool, error) {
	for name, err := range r.IterFileNames() {
		if err != nil {
			return false, err
		}
		if name == fileName {
			return true, nil
		}
	}
	return false, nil
}

// cleanRelativeFilePath returns fileName as a clean path relative to the repository root, using the
// OS separator. Leading "/" and ".." elements can't escape the root.
func cleanRelativeFilePath(fileName string) string {
	cleaned := path.Clean("/" + fileName)[1:]
	if cleaned == "" {
		return "."
	}
	return filepath.FromSlash(cleaned)
}

// DownloadFiles downloads the repository files, and return the path to the downloaded files in the cache structure.
// The returned downloadPaths can be read, but shouldn't be modified, since there may be other programs using the same
// files.
//
// At most MaxParallelDownload files are downloaded at the same time. Files already in the cache are not
// downloaded again.
func (r *Repo) DownloadFiles(repoFiles ...string) (downloadedPaths []string, err error) {
	if len(repoFiles) == 0 {
		return
	}
	snapshotsDir, err := r.repoSnapshotsDir()
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	// All names and URLs are resolved before any download starts.
	downloadedPaths = make([]string, len(repoFiles))
	urls := make([]string, len(repoFiles))
	for ii, fileName := range repoFiles {
		relativePath := cleanRelativeFilePath(fileName)
		if relativePath == "." {
			return nil, errors.Errorf("invalid file name %q for repository %q", fileName, r.ID)
		}
		urls[ii], err = r.FileURL(filepath.ToSlash(relativePath))
		if err != nil {
			return nil, err
		}
		downloadedPaths[ii] = filepath.Join(snapshotsDir, relativePath)
	}

	group := downloader.NewGroup(r.MaxParallelDownload)
	for ii, fileName := range repoFiles {
		url, filePath := urls[ii], downloadedPaths[ii]
		group.Go(func() error {
			if err := r.lockedDownload(ctx, url, filePath, false, r.progressCallback(fileName)); err != nil {
				return errors.WithMessagef(err, "while downloading %q from %q", fileName, r.ID)
			}
			return nil
		})
	}
	if errs := group.Wait(); len(errs) > 0 {
		if len(errs) > 1 {
			return nil, errors.WithMessagef(errs[0], "%d of %d downloads failed, first error", len(errs), len(repoFiles))
		}
		return nil, errs[0]
	}
	return downloadedPaths, nil
}

// DownloadFile is a shortcut to DownloadFiles with only one file.
func (r *Repo) DownloadFile(file string) (downloadedPath string, err error) {
	res, err := r.DownloadFiles(file)
	if err != nil {
		return "", err
	}
	return res[0], nil
}
