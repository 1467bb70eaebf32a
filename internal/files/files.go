// Package files implements generic file tools missing from the standard library.
package files

import (
	"bufio"
	"io"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DefaultFileCreationPerm is used for files written with WriteFileAtomic.
var DefaultFileCreationPerm = os.FileMode(0644)

// Exists returns true if file or directory exists.
func Exists(filePath string) bool {
	_, err := os.Stat(filePath)
	return err == nil
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 {
		return dir, nil
	}
	if dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return dir, errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	homeDir := usr.HomeDir
	return path.Join(homeDir, dir[1+len(userName):]), nil
}

// WriteFileAtomic creates filePath with the contents written by fn.
//
// The contents are first written to a temporary file in the same directory, which is then renamed
// to filePath, so readers never observe a partially written file. On error the temporary file is
// removed and filePath is left untouched.
func WriteFileAtomic(filePath string, fn func(w io.Writer) error) (err error) {
	dir := filepath.Dir(filePath)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(filePath)+".tmp*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary file for %q", filePath)
	}
	tmpPath := tmpFile.Name()
	tmpFileClosed := false
	defer func() {
		if err == nil {
			return
		}
		if !tmpFileClosed {
			_ = tmpFile.Close()
		}
		_ = os.Remove(tmpPath)
	}()

	w := bufio.NewWriter(tmpFile)
	if err = fn(w); err != nil {
		return errors.WithMessagef(err, "while writing %q", filePath)
	}
	if err = w.Flush(); err != nil {
		return errors.Wrapf(err, "failed to flush %q", tmpPath)
	}
	tmpFileClosed = true
	if err = tmpFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close temporary file %q", tmpPath)
	}
	if err = os.Chmod(tmpPath, DefaultFileCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to set permissions of %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to move %q to %q", tmpPath, filePath)
	}
	return nil
}
