// Package sink persists extracted payloads as <identifier>.json files.
//
// Writes are atomic: the payload goes to a temporary file in the target
// directory, is synced, then renamed over the destination. Readers never
// observe a partially written file.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Extension is appended to every identifier.
const Extension = ".json"

var (
	// ErrInvalidID is returned for identifiers that cannot name a file.
	ErrInvalidID = errors.New("invalid identifier")

	// ErrInvalidPayload is returned when the payload is not valid JSON.
	ErrInvalidPayload = errors.New("payload is not valid JSON")
)

// Config holds sink configuration.
type Config struct {
	// Dir is the output directory. It is created if missing.
	Dir string

	// Pretty re-indents payloads with two spaces.
	Pretty bool
}

// FileSink writes payloads to Dir. It is safe for concurrent use; concurrent
// writes of the same identifier leave one complete payload.
type FileSink struct {
	dir    string
	pretty bool
	logger zerolog.Logger
}

// NewFileSink creates the output directory and returns a sink writing into it.
func NewFileSink(cfg Config, logger zerolog.Logger) (*FileSink, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	return &FileSink{
		dir:    cfg.Dir,
		pretty: cfg.Pretty,
		logger: logger.With().Str("component", "sink").Str("dir", cfg.Dir).Logger(),
	}, nil
}

// ValidateID checks that id can be used as a file name inside the sink.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, os.PathSeparator):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: %q contains \"..\"", ErrInvalidID, id)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidID, id)
	case strings.ContainsRune(id, 0):
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidID, id)
	}
	return nil
}

// Dir returns the output directory.
func (s *FileSink) Dir() string {
	return s.dir
}

// Path returns the file path for id. It does not validate id.
func (s *FileSink) Path(id string) string {
	return filepath.Join(s.dir, id+Extension)
}

// Exists reports whether a payload for id is stored.
func (s *FileSink) Exists(id string) bool {
	if ValidateID(id) != nil {
		return false
	}
	info, err := os.Stat(s.Path(id))
	return err == nil && info.Mode().IsRegular()
}

// Read returns the stored payload for id.
func (s *FileSink) Read(id string) ([]byte, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	return os.ReadFile(s.Path(id))
}

// Write stores payload as <Dir>/<id>.json, replacing any previous payload.
func (s *FileSink) Write(ctx context.Context, id string, payload []byte) (string, error) {
	start := time.Now()

	path, n, err := s.write(ctx, id, payload)
	sinkWriteDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		sinkWritesTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("id", id).Msg("Write failed")
		return "", err
	}

	sinkWritesTotal.WithLabelValues("ok").Inc()
	sinkBytesWritten.Add(float64(n))
	s.logger.Debug().Str("id", id).Str("path", path).Int("bytes", n).Msg("Payload written")
	return path, nil
}

func (s *FileSink) write(ctx context.Context, id string, payload []byte) (string, int, error) {
	if err := ValidateID(id); err != nil {
		return "", 0, err
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	data, err := s.encode(payload)
	if err != nil {
		return "", 0, fmt.Errorf("encode %s: %w", id, err)
	}

	target := s.Path(id)
	tmp, err := os.CreateTemp(s.dir, "."+id+".*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", 0, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", 0, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", 0, fmt.Errorf("rename into place: %w", err)
	}
	committed = true

	return target, len(data), nil
}

// encode validates payload and applies the configured formatting.
func (s *FileSink) encode(payload []byte) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}
	if !s.pretty {
		return payload, nil
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
