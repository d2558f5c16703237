// Package scan walks a project directory and records an agent-written
// summary for each source file as an artifact.
package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/randalmurphal/klyve/internal/agent"
	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/runner"
)

// Progress tags reported by the scan task.
const (
	TagScanning    = "scanning"
	TagSummarizing = "summarizing"
	TagSkipped     = "skipped"
	TagError       = "error"
)

// ArtifactKind is the kind recorded on scanned files.
const ArtifactKind = "source"

// Config selects which files are scanned. Patterns are doublestar globs
// matched against slash-separated paths relative to the root.
type Config struct {
	Include      []string
	Exclude      []string
	MaxFileBytes int64
}

// DefaultConfig returns the default scan patterns.
func DefaultConfig() Config {
	return Config{
		Include: []string{
			"**/*.go", "**/*.py", "**/*.js", "**/*.ts", "**/*.tsx", "**/*.java",
			"**/*.rs", "**/*.c", "**/*.h", "**/*.cpp", "**/*.cs", "**/*.rb", "**/*.sql",
		},
		Exclude:      []string{"**/vendor/**", "**/node_modules/**", "**/.git/**", "**/.klyve/**"},
		MaxFileBytes: 256 << 10,
	}
}

// Validate rejects malformed patterns and a non-positive size cap.
func (c Config) Validate() error {
	for _, p := range append(append([]string(nil), c.Include...), c.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return kerrors.ErrConfigInvalid("scan", fmt.Sprintf("invalid glob %q", p))
		}
	}
	if len(c.Include) == 0 {
		return kerrors.ErrConfigInvalid("scan.include", "at least one pattern is required")
	}
	if c.MaxFileBytes <= 0 {
		return kerrors.ErrConfigInvalid("scan.max_file_bytes", "must be positive")
	}
	return nil
}

// Summary is the scan task's result value.
type Summary struct {
	Total      int `json:"total"`
	Summarized int `json:"summarized"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Files returns the files under root selected by cfg, as sorted
// slash-separated relative paths.
func Files(root string, cfg Config) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			// prune when any child of the directory would be excluded
			if matchAny(cfg.Exclude, rel+"/x") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if matchAny(cfg.Include, rel) && !matchAny(cfg.Exclude, rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Task builds a background task that summarizes every selected file under
// root. Files that already carry a summary are skipped, so a resumed or
// repeated scan never summarizes a file twice. Pause and cancel are honored
// once per file. An agent failure on one file is reported with the error
// tag and the scan continues.
func Task(store *db.ProjectDB, projectID, root string, cfg Config, gen agent.Generator) runner.Task {
	return runner.Task{
		Name:      "scan",
		ProjectID: projectID,
		Run: func(ctx context.Context, c *runner.Control) (any, error) {
			files, err := Files(root, cfg)
			if err != nil {
				return nil, err
			}
			sum := &Summary{Total: len(files)}
			c.Report(TagScanning, map[string]any{"total_files": len(files)})

			for i, rel := range files {
				if err := c.Checkpoint(ctx); err != nil {
					return sum, err
				}
				existing, err := store.GetArtifactByPath(ctx, projectID, rel)
				if err != nil {
					return sum, kerrors.ErrPersistence("load artifact", err)
				}
				if existing != nil && existing.Summary != "" {
					sum.Skipped++
					c.Report(TagSkipped, map[string]any{"filename": rel})
					continue
				}

				c.Report(TagSummarizing, map[string]any{"total": len(files), "current": i + 1, "filename": rel})
				if err := summarize(ctx, store, existing, projectID, root, rel, cfg.MaxFileBytes, gen); err != nil {
					if kerrors.HasCode(err, kerrors.CodePersistence) {
						return sum, err
					}
					sum.Failed++
					c.Report(TagError, map[string]any{"filename": rel, "error": err.Error()})
					continue
				}
				sum.Summarized++
			}
			return sum, nil
		},
	}
}

// summarize stores a summary for rel. A file already tracked as an
// artifact only gains the summary; its status, commit and version are left
// to whoever produced it.
func summarize(ctx context.Context, store *db.ProjectDB, existing *db.Artifact, projectID, root, rel string, limit int64, gen agent.Generator) error {
	content, hash, err := readCapped(filepath.Join(root, filepath.FromSlash(rel)), limit)
	if err != nil {
		return err
	}
	raw, err := gen.Generate(ctx, summaryPrompt(rel, content), agent.ComplexitySimple)
	if err != nil {
		return fmt.Errorf("summarize %s: %w", rel, err)
	}
	text, err := agent.RequireText("file summarizer", raw)
	if err != nil {
		return err
	}
	if existing != nil {
		if err := store.SetArtifactSummary(ctx, existing.ID, text); err != nil {
			return kerrors.ErrPersistence("save artifact summary", err)
		}
		return nil
	}
	if err := store.SaveArtifact(ctx, &db.Artifact{
		ProjectID: projectID,
		FilePath:  rel,
		Kind:      ArtifactKind,
		FileHash:  hash,
		Status:    "scanned",
		Summary:   text,
	}); err != nil {
		return kerrors.ErrPersistence("save artifact", err)
	}
	return nil
}

// readCapped returns at most limit bytes of the file and the hash of its
// full content.
func readCapped(path string, limit int64) (string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	var head strings.Builder
	if _, err := io.Copy(io.MultiWriter(h, &limitWriter{w: &head, n: limit}), f); err != nil {
		return "", "", fmt.Errorf("read %s: %w", path, err)
	}
	return head.String(), hex.EncodeToString(h.Sum(nil)), nil
}

type limitWriter struct {
	w io.Writer
	n int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.n > 0 {
		chunk := p
		if int64(len(chunk)) > l.n {
			chunk = chunk[:l.n]
		}
		if _, err := l.w.Write(chunk); err != nil {
			return 0, err
		}
		l.n -= int64(len(chunk))
	}
	return len(p), nil
}

func summaryPrompt(rel, content string) string {
	return fmt.Sprintf("Summarize the purpose and main components of the file %s in a few sentences.\n\n```\n%s\n```\n", rel, content)
}
