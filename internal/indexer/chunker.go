package indexer

import (
	"fmt"
	"path/filepath"
	"strings"

	"repoagent/models"
)

// Default chunking window. Line-based with overlap so a definition split at a
// window boundary still appears whole in the neighboring chunk.
const (
	defaultWindowLines  = 60
	defaultOverlapLines = 10
)

// languageByExtension maps file extensions to the language tag stored in chunk
// payloads and matched by language filters.
var languageByExtension = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".kt":    "kotlin",
	".rs":    "rust",
	".rb":    "ruby",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".php":   "php",
	".swift": "swift",
	".scala": "scala",
	".sh":    "shell",
	".sql":   "sql",
	".proto": "protobuf",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".toml":  "toml",
	".md":    "markdown",
}

// Chunker splits file contents into overlapping line windows.
type Chunker struct {
	windowLines  int
	overlapLines int
}

// NewChunker builds a chunker; non-positive parameters fall back to defaults,
// and the overlap is clamped below the window so every chunk makes progress.
func NewChunker(windowLines, overlapLines int) *Chunker {
	if windowLines <= 0 {
		windowLines = defaultWindowLines
	}
	if overlapLines < 0 {
		overlapLines = defaultOverlapLines
	}
	if overlapLines >= windowLines {
		overlapLines = windowLines - 1
	}
	return &Chunker{windowLines: windowLines, overlapLines: overlapLines}
}

// ChunkFile splits one file into chunks. The path must be repo-relative with
// forward slashes: it ends up verbatim in filters and source listings. Blank
// files produce no chunks.
func (c *Chunker) ChunkFile(path, content string) []*models.Chunk {
	lines := strings.Split(content, "\n")
	// A trailing newline yields one phantom empty line; drop it.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil
	}

	language := LanguageForPath(path)
	step := c.windowLines - c.overlapLines

	var chunks []*models.Chunk
	for start := 0; start < len(lines); start += step {
		end := start + c.windowLines
		if end > len(lines) {
			end = len(lines)
		}

		body := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(body) == "" {
			if end == len(lines) {
				break
			}
			continue
		}

		// Line numbers are 1-based and inclusive.
		startLine, endLine := start+1, end
		chunks = append(chunks, &models.Chunk{
			Content: body,
			Metadata: models.ChunkMetadata{
				ChunkID:   fmt.Sprintf("%s:%d-%d", path, startLine, endLine),
				Filepath:  path,
				StartLine: startLine,
				EndLine:   endLine,
				Language:  language,
				ChunkSize: len(body),
				LineCount: end - start,
			},
		})

		if end == len(lines) {
			break
		}
	}
	return chunks
}

// LanguageForPath returns the language tag for a file path, or "" when the
// extension is not recognized.
func LanguageForPath(path string) string {
	return languageByExtension[strings.ToLower(filepath.Ext(path))]
}
