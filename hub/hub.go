// Package hub downloads the artifacts of the solver (training corpora, vocabularies and model
// checkpoints) from a HuggingFace Hub repository.
//
// Files are stored in the same cache structure used by the huggingface_hub python library (usually
// under "~/.cache/huggingface/hub"), so they are shared with other programs.
package hub

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"strings"

	solver "github.com/gomlx/formula-solver"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SessionId is unique and always created anew at the start of the program, and used during the life of the program.
var SessionId = strings.ReplaceAll(uuid.NewString(), "-", "")

var (
	// DefaultDirCreationPerm is used when creating new cache subdirectories.
	DefaultDirCreationPerm = os.FileMode(0755)

	// DefaultFileCreationPerm is used when creating files inside the cache subdirectories.
	DefaultFileCreationPerm = os.FileMode(0644)
)

func getEnvOr(key, defaultValue string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	return v
}

// DefaultCacheDir for HuggingFace Hub, same used by the python library.
//
// Its prefix is either `${XDG_CACHE_HOME}` if set, or `~/.cache` otherwise. Followed by `/huggingface/hub/`.
// So typically: `~/.cache/huggingface/hub/`.
func DefaultCacheDir() string {
	cacheDir := getEnvOr("XDG_CACHE_HOME", path.Join(os.Getenv("HOME"), ".cache"))
	return path.Join(cacheDir, "huggingface", "hub")
}

// DefaultHttpUserAgent returns a user agent to use with HuggingFace Hub API.
func DefaultHttpUserAgent() string {
	return fmt.Sprintf("formula-solver/%v; golang/%s; session_id/%s",
		solver.Version, runtime.Version(), SessionId)
}

// RepoIdSeparator is used to separate repository/model names parts when mapping to file names.
const RepoIdSeparator = "--"

// RepoType supported by HuggingFace-Hub
type RepoType string

const (
	RepoTypeDataset RepoType = "datasets"
	RepoTypeSpace   RepoType = "spaces"
	RepoTypeModel   RepoType = "models"
)

// ParseRepoType accepts the plural names used in URLs and their singular forms.
func ParseRepoType(name string) (RepoType, error) {
	switch strings.ToLower(name) {
	case "", "model", "models":
		return RepoTypeModel, nil
	case "dataset", "datasets":
		return RepoTypeDataset, nil
	case "space", "spaces":
		return RepoTypeSpace, nil
	}
	return "", errors.Errorf("unknown repository type %q, valid values are \"models\", \"datasets\" or \"spaces\"", name)
}
