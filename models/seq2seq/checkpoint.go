package seq2seq

import (
	"bufio"
	"encoding/gob"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/formula-solver/internal/files"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrModelLoad is wrapped by the errors returned by Load.
var ErrModelLoad = errors.New("failed to load model")

const (
	checkpointMagic   = "formula-solver/seq2seq"
	checkpointVersion = 1
)

// checkpoint is the gob encoded contents of a checkpoint file.
type checkpoint struct {
	Magic    string
	Version  int
	Config   Config
	Metadata Metadata
	SavedAt  time.Time
	Params   []paramBlob
}

type paramBlob struct {
	Name       string
	Rows, Cols int
	Data       []float64
}

// Save writes the model weights, configuration and metadata to filePath. If the model has no
// Metadata.RunID yet, a new one is generated.
//
// The file is written atomically: a crash never leaves a truncated checkpoint at filePath.
func (m *Model) Save(filePath string) error {
	if m.Metadata.RunID == "" {
		m.Metadata.RunID = uuid.NewString()
	}
	ckpt := &checkpoint{
		Magic:    checkpointMagic,
		Version:  checkpointVersion,
		Config:   m.config,
		Metadata: m.Metadata,
		SavedAt:  time.Now(),
		Params:   make([]paramBlob, 0, len(m.params)),
	}
	for _, p := range m.params {
		rows, cols := p.Dims()
		ckpt.Params = append(ckpt.Params, paramBlob{Name: p.Name, Rows: rows, Cols: cols, Data: p.Data()})
	}
	err := files.WriteFileAtomic(filePath, func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(ckpt)
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to save model to %q", filePath)
	}
	if klog.V(1).Enabled() {
		if info, err := os.Stat(filePath); err == nil {
			klog.Infof("saved model to %q (%s, epoch %d)", filePath, humanize.Bytes(uint64(info.Size())), m.Metadata.Epoch)
		}
	}
	return nil
}

// Load reads a model saved with Save. If expected is not nil, the checkpoint's configuration must be
// equal to it.
//
// All errors wrap ErrModelLoad: missing, truncated or corrupt files, parameters missing or with the
// wrong shape, or a configuration different from expected.
func Load(filePath string, expected *Config) (*Model, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.WithMessagef(ErrModelLoad, "cannot open %q: %v", filePath, err)
	}
	defer func() { _ = f.Close() }()

	var ckpt checkpoint
	if err = gob.NewDecoder(bufio.NewReader(f)).Decode(&ckpt); err != nil {
		return nil, errors.WithMessagef(ErrModelLoad, "corrupt checkpoint %q: %v", filePath, err)
	}
	if ckpt.Magic != checkpointMagic || ckpt.Version != checkpointVersion {
		return nil, errors.WithMessagef(ErrModelLoad, "%q is not a checkpoint of this model (magic %q, version %d)",
			filePath, ckpt.Magic, ckpt.Version)
	}
	if expected != nil && ckpt.Config != *expected {
		return nil, errors.WithMessagef(ErrModelLoad, "checkpoint %q has configuration %+v, expected %+v",
			filePath, ckpt.Config, *expected)
	}
	blobs, err := checkBlobs(ckpt.Config, ckpt.Params)
	if err != nil {
		return nil, errors.WithMessagef(ErrModelLoad, "checkpoint %q: %v", filePath, err)
	}
	m, err := New(ckpt.Config, nil)
	if err != nil {
		return nil, errors.WithMessagef(ErrModelLoad, "checkpoint %q: %v", filePath, err)
	}
	for _, p := range m.params {
		copy(p.Data(), blobs[p.Name].Data)
	}
	m.Metadata = ckpt.Metadata
	m.SetTraining(false)
	klog.V(1).Infof("loaded model from %q: %+v, %s parameters, epoch %d, run %s",
		filePath, ckpt.Config, humanize.Comma(int64(m.NumParams())), ckpt.Metadata.Epoch, ckpt.Metadata.RunID)
	return m, nil
}

type paramShape struct {
	name       string
	rows, cols int
}

// paramShapes lists the parameters New creates for config, in the same order.
func paramShapes(config Config) []paramShape {
	V, D, H := config.VocabSize, config.EmbeddingDim, config.HiddenDim
	lstm := func(name string, in int) []paramShape {
		return []paramShape{
			{name + ".weight_ih", 4 * H, in},
			{name + ".weight_hh", 4 * H, H},
			{name + ".bias", 4 * H, 1},
		}
	}
	var shapes []paramShape
	shapes = append(shapes, paramShape{"encoder.embedding.weight", V, D})
	shapes = append(shapes, lstm("encoder.lstm_forward", D)...)
	shapes = append(shapes, lstm("encoder.lstm_backward", D)...)
	shapes = append(shapes,
		paramShape{"encoder.fc.weight", H, 2 * H},
		paramShape{"encoder.fc.bias", H, 1},
		paramShape{"decoder.embedding.weight", V, D},
		paramShape{"decoder.attention.query", H, D},
		paramShape{"decoder.attention.key", H, H},
		paramShape{"decoder.attention.bias", H, 1},
		paramShape{"decoder.attention.score", H, 1},
	)
	shapes = append(shapes, lstm("decoder.lstm", D+H)...)
	shapes = append(shapes,
		paramShape{"decoder.fc.weight", V, H},
		paramShape{"decoder.fc.bias", V, 1},
	)
	return shapes
}

// checkBlobs verifies that the stored parameters are exactly the ones a model with config has,
// before anything is allocated from config. Every size is bounded by the number of values actually
// decoded, so a corrupt configuration can't trigger a huge allocation.
func checkBlobs(config Config, blobs []paramBlob) (map[string]*paramBlob, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	byName := make(map[string]*paramBlob, len(blobs))
	total := 0
	for ii := range blobs {
		blob := &blobs[ii]
		n := len(blob.Data)
		if blob.Rows <= 0 || blob.Cols <= 0 || blob.Rows > n || blob.Cols > n || blob.Rows > n/blob.Cols || blob.Rows*blob.Cols != n {
			return nil, errors.Errorf("parameter %q has shape %dx%d but %d values", blob.Name, blob.Rows, blob.Cols, n)
		}
		byName[blob.Name] = blob
		total += n
	}
	if config.VocabSize > total || config.EmbeddingDim > total || config.HiddenDim > total {
		return nil, errors.Errorf("configuration %+v is larger than the %d stored values", config, total)
	}
	for _, shape := range paramShapes(config) {
		blob, found := byName[shape.name]
		if !found {
			return nil, errors.Errorf("missing parameter %q", shape.name)
		}
		if blob.Rows != shape.rows || blob.Cols != shape.cols {
			return nil, errors.Errorf("parameter %q has shape %dx%d, expected %dx%d",
				shape.name, blob.Rows, blob.Cols, shape.rows, shape.cols)
		}
	}
	return byName, nil
}
