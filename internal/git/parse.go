package git

import (
	"path/filepath"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/CodeJonesW/diffprism/internal/diff"
)

// parseRawDiff converts unified diff text into FileDiff entries, all tagged
// with the given stage (empty for ref-based diffs).
func parseRawDiff(raw string, stage diff.Stage) ([]diff.FileDiff, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	fileDiffs, err := godiff.ParseMultiFileDiff([]byte(raw))
	if err != nil {
		return nil, err
	}

	files := make([]diff.FileDiff, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		files = append(files, convertFileDiff(fd, stage))
	}
	return files, nil
}

func convertFileDiff(fd *godiff.FileDiff, stage diff.Stage) diff.FileDiff {
	origName := stripDiffPrefix(fd.OrigName)
	newName := stripDiffPrefix(fd.NewName)

	f := diff.FileDiff{
		Path:   newName,
		Status: diff.StatusModified,
		Stage:  stage,
	}

	switch {
	case origName == "/dev/null":
		f.Status = diff.StatusAdded
	case newName == "/dev/null":
		f.Status = diff.StatusDeleted
		f.Path = origName
	case isRename(fd.Extended):
		f.Status = diff.StatusRenamed
		f.OldPath = origName
	}

	f.Language = detectLanguage(f.Path)
	f.Binary = isBinary(fd)

	stat := fd.Stat()
	f.Additions = int(stat.Added + stat.Changed)
	f.Deletions = int(stat.Deleted + stat.Changed)

	for _, h := range fd.Hunks {
		f.Hunks = append(f.Hunks, diff.Hunk{
			OldStart: int(h.OrigStartLine),
			OldLines: int(h.OrigLines),
			NewStart: int(h.NewStartLine),
			NewLines: int(h.NewLines),
			Header:   h.Section,
			Body:     string(h.Body),
		})
	}

	return f
}

// stripDiffPrefix removes the a/ or b/ prefix git puts on header paths.
func stripDiffPrefix(name string) string {
	if name == "/dev/null" {
		return name
	}
	if len(name) > 2 && (name[:2] == "a/" || name[:2] == "b/") {
		return name[2:]
	}
	return name
}

func isRename(extended []string) bool {
	for _, line := range extended {
		if strings.HasPrefix(line, "rename from ") {
			return true
		}
	}
	return false
}

func isBinary(fd *godiff.FileDiff) bool {
	if len(fd.Hunks) > 0 {
		return false
	}
	for _, line := range fd.Extended {
		if strings.HasPrefix(line, "Binary files ") || line == "GIT binary patch" {
			return true
		}
	}
	return false
}

// languagesByExtension covers the file types a review UI syntax-highlights.
// Unknown extensions map to empty, which the UI renders as plain text.
var languagesByExtension = map[string]string{
	".go":    "go",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".py":    "python",
	".rb":    "ruby",
	".rs":    "rust",
	".java":  "java",
	".kt":    "kotlin",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".sh":    "shell",
	".bash":  "shell",
	".sql":   "sql",
	".html":  "html",
	".css":   "css",
	".scss":  "css",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".md":    "markdown",
	".proto": "protobuf",
	".swift": "swift",
	".php":   "php",
}

func detectLanguage(path string) string {
	return languagesByExtension[strings.ToLower(filepath.Ext(path))]
}
