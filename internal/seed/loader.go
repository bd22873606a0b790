package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
	"github.com/fyrsmithlabs/flowlearn/internal/patterns"
)

var (
	// ErrUnsupportedFormat is returned for files that are neither YAML nor TOML.
	ErrUnsupportedFormat = errors.New("unsupported seed format")

	// ErrInvalidSeed indicates a file that does not parse.
	ErrInvalidSeed = errors.New("invalid seed file")
)

// Format is a seed file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf derives the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// File is the decoded content of a seed file.
type File struct {
	Patterns []Entry `yaml:"patterns" toml:"patterns"`
}

// Entry is one seeded pattern.
type Entry struct {
	Signal        string                 `yaml:"signal" toml:"signal"`
	MatchKind     string                 `yaml:"match_kind" toml:"match_kind"`
	ComponentType string                 `yaml:"component_type" toml:"component_type"`
	Category      string                 `yaml:"category" toml:"category"`
	Aliases       []string               `yaml:"aliases" toml:"aliases"`
	Requirements  map[string]interface{} `yaml:"requirements" toml:"requirements"`
	// Active defaults to true; seeds are curated.
	Active       *bool `yaml:"active" toml:"active"`
	TimesMatched int64 `yaml:"times_matched" toml:"times_matched"`
	TimesCorrect int64 `yaml:"times_correct" toml:"times_correct"`
}

func (e Entry) input() patterns.Input {
	active := true
	if e.Active != nil {
		active = *e.Active
	}
	return patterns.Input{
		Signal:        e.Signal,
		MatchKind:     patterns.MatchKind(strings.ToLower(strings.TrimSpace(e.MatchKind))),
		ComponentType: e.ComponentType,
		Category:      component.Category(strings.TrimSpace(e.Category)),
		Aliases:       e.Aliases,
		Requirements:  e.Requirements,
		Active:        active,
		Source:        patterns.SourceSeed,
		TimesMatched:  e.TimesMatched,
		TimesCorrect:  e.TimesCorrect,
	}
}

// Parse decodes data in the given format. Unknown keys are rejected.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown key %s", ErrInvalidSeed, undecoded[0])
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return &f, nil
}

// Load reads and parses one seed file.
func Load(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Files returns the seed files at path: path itself when it is a file, or
// the YAML and TOML files directly inside it, sorted by name.
func Files(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat seed path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := FormatOf(e.Name()); err == nil {
			out = append(out, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Upserter is the pattern store surface the loader writes through.
type Upserter interface {
	Upsert(ctx context.Context, in patterns.Input) (string, error)
}

// EntryError is a seed entry that could not be applied.
type EntryError struct {
	File   string
	Index  int
	Signal string
	Err    error
}

func (e EntryError) Error() string {
	return fmt.Sprintf("%s[%d] %q: %v", e.File, e.Index, e.Signal, e.Err)
}

func (e EntryError) Unwrap() error { return e.Err }

// Report summarizes one application of seed files.
type Report struct {
	Files   int
	Applied int
	Failed  []EntryError
}

// Loader applies seed files to the pattern store.
type Loader struct {
	store  Upserter
	logger *zap.Logger
}

// NewLoader creates a loader writing to store.
func NewLoader(store Upserter, logger *zap.Logger) (*Loader, error) {
	if store == nil {
		return nil, errors.New("pattern store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{store: store, logger: logger}, nil
}

// ApplyPath loads every seed file at path and upserts its patterns. Entries
// that fail (invalid input, signal conflicts) are reported and skipped; a
// file that does not parse fails the whole call before anything is written.
func (l *Loader) ApplyPath(ctx context.Context, path string) (Report, error) {
	paths, err := Files(path)
	if err != nil {
		return Report{}, err
	}
	files := make([]*File, len(paths))
	for i, p := range paths {
		if files[i], err = Load(p); err != nil {
			return Report{}, err
		}
	}

	rep := Report{Files: len(paths)}
	for i, f := range files {
		l.apply(ctx, paths[i], f, &rep)
	}
	l.logger.Info("seed files applied",
		zap.String("path", path),
		zap.Int("files", rep.Files),
		zap.Int("applied", rep.Applied),
		zap.Int("failed", len(rep.Failed)),
	)
	return rep, nil
}

// Apply upserts the patterns of one decoded file. name labels errors.
func (l *Loader) Apply(ctx context.Context, name string, f *File) Report {
	rep := Report{Files: 1}
	l.apply(ctx, name, f, &rep)
	return rep
}

func (l *Loader) apply(ctx context.Context, name string, f *File, rep *Report) {
	for i, e := range f.Patterns {
		if _, err := l.store.Upsert(ctx, e.input()); err != nil {
			ee := EntryError{File: name, Index: i, Signal: e.Signal, Err: err}
			l.logger.Warn("seed entry skipped", zap.Error(ee))
			rep.Failed = append(rep.Failed, ee)
			continue
		}
		rep.Applied++
	}
}
