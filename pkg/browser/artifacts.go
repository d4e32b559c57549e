package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var artifactLabelRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// FileArtifacts writes failure forensics into a run directory: a PNG
// screenshot and the DOM snapshot side by side. Capture never fails the
// caller; on error it logs and returns an empty path.
type FileArtifacts struct {
	dir  string
	s    *Session
	log  zerolog.Logger
	mu   sync.Mutex
	seq  int
}

// NewFileArtifacts creates the directory if needed.
func NewFileArtifacts(dir string, s *Session, log zerolog.Logger) (*FileArtifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: %w", err)
	}
	return &FileArtifacts{dir: dir, s: s, log: log}, nil
}

// Dir returns the artifact directory.
func (f *FileArtifacts) Dir() string {
	return f.dir
}

// Capture takes a screenshot plus an HTML snapshot and returns the
// screenshot path. The label becomes part of the file name.
func (f *FileArtifacts) Capture(ctx context.Context, label string) string {
	f.mu.Lock()
	f.seq++
	base := fmt.Sprintf("%03d_%s_%s", f.seq, time.Now().Format("150405"), sanitizeLabel(label))
	f.mu.Unlock()

	var path string
	if png, err := f.s.Screenshot(); err == nil {
		path = filepath.Join(f.dir, base+".png")
		if werr := os.WriteFile(path, png, 0o644); werr != nil {
			f.log.Debug().Err(werr).Msg("artifact screenshot write failed")
			path = ""
		}
	} else {
		f.log.Debug().Err(err).Msg("artifact screenshot failed")
	}

	if html := f.s.Snapshot(ctx); html != "" {
		htmlPath := filepath.Join(f.dir, base+".html")
		if werr := os.WriteFile(htmlPath, []byte(html), 0o644); werr != nil {
			f.log.Debug().Err(werr).Msg("artifact snapshot write failed")
		} else if path == "" {
			path = htmlPath
		}
	}
	return path
}

func sanitizeLabel(label string) string {
	if label == "" {
		return "capture"
	}
	out := artifactLabelRe.ReplaceAllString(label, "_")
	if len(out) > 60 {
		out = out[:60]
	}
	return out
}
