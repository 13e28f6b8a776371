package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"repoagent/models"
)

// Defaults for the repository walk.
const (
	defaultBatchSize   = 32
	defaultMaxFileSize = 1 << 20 // 1 MiB; larger files are generated or vendored
)

var defaultExcludedDirs = []string{
	".git", "node_modules", "vendor", "dist", "build", "target",
	"__pycache__", ".venv", ".idea", ".vscode",
}

// VectorStore is the slice of the vector database the indexer needs.
type VectorStore interface {
	EnsureCollection(ctx context.Context) error
	UpsertChunks(ctx context.Context, repo string, chunks []*models.Chunk, vectors [][]float32) error
	DeleteByRepo(ctx context.Context, repo string) error
	DeleteByFile(ctx context.Context, repo, path string) error
	CountByRepo(ctx context.Context, repo string) (int, error)
	Scroll(ctx context.Context, repo string, filter models.FilterNode, limit int) ([]*models.Chunk, error)
}

// Embedder turns chunk contents into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes the repository walk and chunking.
type Config struct {
	Extensions   []string `mapstructure:"extensions"`
	ExcludedDirs []string `mapstructure:"excluded_dirs"`
	WindowLines  int      `mapstructure:"window_lines"`
	OverlapLines int      `mapstructure:"overlap_lines"`
	BatchSize    int      `mapstructure:"batch_size"`
	MaxFileSize  int64    `mapstructure:"max_file_size"`
	ShowProgress bool     `mapstructure:"show_progress"`
}

// Stats summarizes one indexing run.
type Stats struct {
	FilesIndexed  int
	FilesSkipped  int
	ChunksIndexed int
	Duration      time.Duration
}

// Indexer walks a repository, chunks its files and upserts the embedded
// chunks into the vector store.
type Indexer struct {
	store    VectorStore
	embedder Embedder
	chunker  *Chunker
	config   Config
	logger   *zap.Logger
}

func New(store VectorStore, embedder Embedder, config Config, logger *zap.Logger) *Indexer {
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = defaultMaxFileSize
	}
	if len(config.ExcludedDirs) == 0 {
		config.ExcludedDirs = defaultExcludedDirs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		store:    store,
		embedder: embedder,
		chunker:  NewChunker(config.WindowLines, config.OverlapLines),
		config:   config,
		logger:   logger.Named("indexer"),
	}
}

// IndexRepository indexes root under the repository name repo, replacing any
// previous index for that repository.
func (ix *Indexer) IndexRepository(ctx context.Context, repo, root string) (*Stats, error) {
	start := time.Now()

	if err := ix.store.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}
	if err := ix.store.DeleteByRepo(ctx, repo); err != nil {
		return nil, fmt.Errorf("failed to clear previous index: %w", err)
	}

	files, skipped, err := ix.collectFiles(root)
	if err != nil {
		return nil, err
	}
	ix.logger.Info("repository walk completed",
		zap.String("repo", repo),
		zap.Int("files", len(files)),
		zap.Int("skipped", skipped))

	stats := &Stats{FilesSkipped: skipped}

	var bar *progressbar.ProgressBar
	if ix.config.ShowProgress {
		bar = progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription("indexing"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish())
	}

	batch := make([]*models.Chunk, 0, ix.config.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ix.upsertBatch(ctx, repo, batch); err != nil {
			return err
		}
		stats.ChunksIndexed += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunks, err := ix.chunkFile(root, path)
		if err != nil {
			ix.logger.Warn("failed to read file, skipping",
				zap.String("path", path), zap.Error(err))
			stats.FilesSkipped++
			continue
		}
		stats.FilesIndexed++

		for _, chunk := range chunks {
			batch = append(batch, chunk)
			if len(batch) >= ix.config.BatchSize {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if bar != nil {
		_ = bar.Finish()
	}

	stats.Duration = time.Since(start)
	ix.logger.Info("indexing completed",
		zap.String("repo", repo),
		zap.Int("files", stats.FilesIndexed),
		zap.Int("chunks", stats.ChunksIndexed),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

// IndexFile re-indexes a single file: its previous chunks are removed first so
// shrinking files leave no stale windows behind.
func (ix *Indexer) IndexFile(ctx context.Context, repo, root, path string) (int, error) {
	rel, err := relPath(root, path)
	if err != nil {
		return 0, err
	}

	if err := ix.store.DeleteByFile(ctx, repo, rel); err != nil {
		return 0, fmt.Errorf("failed to clear previous chunks for %s: %w", rel, err)
	}

	chunks, err := ix.chunkFile(root, path)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	if err := ix.upsertBatch(ctx, repo, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// RemoveFile drops the chunks of a deleted file from the index.
func (ix *Indexer) RemoveFile(ctx context.Context, repo, root, path string) error {
	rel, err := relPath(root, path)
	if err != nil {
		return err
	}
	return ix.store.DeleteByFile(ctx, repo, rel)
}

// DeleteRepository removes everything indexed under the repository name.
func (ix *Indexer) DeleteRepository(ctx context.Context, repo string) error {
	return ix.store.DeleteByRepo(ctx, repo)
}

// ChunkCount reports how many chunks are currently indexed for the repository.
func (ix *Indexer) ChunkCount(ctx context.Context, repo string) (int, error) {
	return ix.store.CountByRepo(ctx, repo)
}

// IndexedFiles lists the distinct files currently indexed for a repository,
// sorted by path. Built on a payload-only scroll, no query vector involved.
func (ix *Indexer) IndexedFiles(ctx context.Context, repo string) ([]string, error) {
	chunks, err := ix.store.Scroll(ctx, repo, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to scroll index: %w", err)
	}

	seen := make(map[string]struct{}, len(chunks))
	files := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		path := chunk.Metadata.Filepath
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

func (ix *Indexer) collectFiles(root string) ([]string, int, error) {
	var files []string
	skipped := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && ix.excludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !ix.supportedFile(path) {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Size() > ix.config.MaxFileSize {
			skipped++
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, skipped, nil
}

func (ix *Indexer) excludedDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, excluded := range ix.config.ExcludedDirs {
		if name == excluded {
			return true
		}
	}
	return false
}

// supportedFile accepts files by the configured extension list, or by the
// known-language map when no list is configured.
func (ix *Indexer) supportedFile(path string) bool {
	if len(ix.config.Extensions) == 0 {
		return LanguageForPath(path) != ""
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range ix.config.Extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

func (ix *Indexer) chunkFile(root, path string) ([]*models.Chunk, error) {
	rel, err := relPath(root, path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ix.chunker.ChunkFile(rel, string(content)), nil
}

func (ix *Indexer) upsertBatch(ctx context.Context, repo string, chunks []*models.Chunk) error {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed batch: %w", err)
	}
	if err := ix.store.UpsertChunks(ctx, repo, chunks, vectors); err != nil {
		return fmt.Errorf("failed to upsert batch: %w", err)
	}
	return nil
}

// relPath normalizes a file path to the repo-relative forward-slash form used
// in chunk identifiers and payloads.
func relPath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("path %s is outside root %s: %w", path, root, err)
	}
	return filepath.ToSlash(rel), nil
}
