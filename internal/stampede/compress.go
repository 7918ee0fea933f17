package stampede

import (
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"goflare.io/strata/internal/config"
	"goflare.io/strata/internal/models"
)

// Compressor applies zstd to values larger than a threshold. Decoding is
// always available so entries written by a differently configured process
// stay readable.
type Compressor struct {
	threshold int
	encoder   *zstd.Encoder // nil when compression is disabled
	decoder   *zstd.Decoder
}

func NewCompressor(cfg config.CompressionConfig) (*Compressor, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to create zstd decoder"), models.ErrCompression)
	}
	c := &Compressor{threshold: cfg.Threshold, decoder: decoder}
	if !cfg.Enabled {
		return c, nil
	}

	c.encoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.Level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		decoder.Close()
		return nil, errors.Mark(errors.Wrap(err, "failed to create zstd encoder"), models.ErrCompression)
	}
	return c, nil
}

// Compress returns a compressed copy of entry when its value exceeds the
// threshold and compression actually saves space; otherwise entry itself.
func (c *Compressor) Compress(entry *models.Entry) *models.Entry {
	if c.encoder == nil || entry.Compressed || len(entry.Value) <= c.threshold {
		return entry
	}
	packed := c.encoder.EncodeAll(entry.Value, make([]byte, 0, len(entry.Value)/2))
	if len(packed) >= len(entry.Value) {
		return entry
	}
	out := *entry
	out.Value = packed
	out.Compressed = true
	return &out
}

// Decompress restores a compressed entry in place.
func (c *Compressor) Decompress(entry *models.Entry) error {
	if !entry.Compressed {
		return nil
	}
	value, err := c.decoder.DecodeAll(entry.Value, nil)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "zstd decode"), models.ErrCompression)
	}
	entry.Value = value
	entry.Compressed = false
	return nil
}

func (c *Compressor) Close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	c.decoder.Close()
}
