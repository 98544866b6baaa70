// Package fileblock reads and writes the plain-text format backends use to
// exchange whole files:
//
//	===== FILE: path/to/file.py =====
//	<content>
//	===== END =====
//
// A block ends at the END marker, at the next FILE header, or at the end of
// the text. Paths are returned exactly as written; containment is checked
// when files are written, not here.
package fileblock

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mpataki/forge/internal/models"
)

const (
	MaxFiles     = 100
	MaxFileBytes = 512 * 1024

	endMarker = "===== END ====="
)

var (
	ErrTooManyFiles = errors.New("too many files")
	ErrFileTooLarge = errors.New("file too large")
)

var header = regexp.MustCompile(`^===== FILE:\s*(.*?)\s*=====\s*$`)

// Parse extracts every file block from text. Text outside blocks is ignored.
// A later block for the same path replaces an earlier one.
func Parse(text string) (models.FileSet, error) {
	files := make(models.FileSet)

	var (
		path    string
		content []string
		open    bool
	)

	flush := func() error {
		if !open {
			return nil
		}
		open = false
		body := strings.Trim(strings.Join(content, "\n"), "\n") + "\n"
		if len(body) > MaxFileBytes {
			return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrFileTooLarge, path, len(body), MaxFileBytes)
		}
		if _, dup := files[path]; !dup && len(files) >= MaxFiles {
			return fmt.Errorf("%w: more than %d", ErrTooManyFiles, MaxFiles)
		}
		files[path] = body
		return nil
	}

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if m := header.FindStringSubmatch(line); m != nil {
			if err := flush(); err != nil {
				return nil, err
			}
			path, content, open = m[1], nil, true
			continue
		}
		if strings.TrimSpace(line) == endMarker {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		if open {
			content = append(content, line)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return files, nil
}

// Format renders files in sorted path order, each block closed by an END
// marker.
func Format(files models.FileSet) string {
	var b strings.Builder
	for _, p := range files.Paths() {
		b.WriteString("===== FILE: ")
		b.WriteString(p)
		b.WriteString(" =====\n")
		b.WriteString(files[p])
		if !strings.HasSuffix(files[p], "\n") {
			b.WriteByte('\n')
		}
		b.WriteString(endMarker)
		b.WriteByte('\n')
	}
	return b.String()
}
