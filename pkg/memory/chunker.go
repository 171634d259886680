package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultChunkTokens is the target window size in tokens.
	DefaultChunkTokens = 400
	// DefaultChunkOverlap is the number of tokens shared by adjacent chunks.
	DefaultChunkOverlap = 80
)

// ChunkOptions controls how ChunkText windows a document.
type ChunkOptions struct {
	TargetTokens  int
	OverlapTokens int
	// CreatedAt stamps every produced chunk. It is copied as given; callers
	// that store chunks must set it.
	CreatedAt time.Time
	Permanent bool
}

// DefaultChunkOptions returns 400-token windows overlapping by 80 tokens.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		TargetTokens:  DefaultChunkTokens,
		OverlapTokens: DefaultChunkOverlap,
	}
}

// Validate reports ErrInvalidConfig for windows that cannot advance.
func (o ChunkOptions) Validate() error {
	if o.TargetTokens <= 0 {
		return fmt.Errorf("%w: target tokens must be positive, got %d", ErrInvalidConfig, o.TargetTokens)
	}
	if o.OverlapTokens < 0 {
		return fmt.Errorf("%w: overlap tokens must not be negative, got %d", ErrInvalidConfig, o.OverlapTokens)
	}
	if o.OverlapTokens >= o.TargetTokens {
		return fmt.Errorf("%w: overlap (%d) must be smaller than target (%d)", ErrInvalidConfig, o.OverlapTokens, o.TargetTokens)
	}
	return nil
}

// Chunk is one overlapping window of a source document.
type Chunk struct {
	ID          string    `json:"id"`
	SourcePath  string    `json:"source_path"`
	ChunkIndex  int       `json:"chunk_index"`
	Content     string    `json:"content"`
	TokenCount  int       `json:"token_count"`
	ContentHash string    `json:"content_hash"`
	Embedding   []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	Permanent   bool      `json:"permanent"`
}

// ChunkID returns the stable identifier for a chunk position in a source.
func ChunkID(sourcePath string, index int) string {
	return fmt.Sprintf("%s#%d", sourcePath, index)
}

// HashContent returns the hex sha256 of s.
func HashContent(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// tokenSpan is the byte range of one whitespace-delimited token.
type tokenSpan struct {
	start, end int
}

func tokenize(text string) []tokenSpan {
	var spans []tokenSpan
	start := -1
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, tokenSpan{start, i})
				start = -1
			}
		} else if start < 0 {
			start = i
		}
		i += size
	}
	if start >= 0 {
		spans = append(spans, tokenSpan{start, len(text)})
	}
	return spans
}

// CountTokens returns the number of whitespace-delimited tokens in text.
func CountTokens(text string) int {
	return len(tokenize(text))
}

// ChunkText splits text into windows of opts.TargetTokens tokens advancing by
// TargetTokens-OverlapTokens. Each chunk's content is the original text from
// its first to its last token, so line breaks survive. The final chunk may be
// shorter; a document without tokens yields no chunks. Output depends only on
// the inputs.
func ChunkText(text, sourcePath string, opts ChunkOptions) ([]Chunk, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, nil
	}

	var createdAt time.Time
	if !opts.CreatedAt.IsZero() {
		createdAt = opts.CreatedAt.UTC()
	}

	step := opts.TargetTokens - opts.OverlapTokens
	chunks := make([]Chunk, 0, len(tokens)/step+1)

	for start := 0; ; start += step {
		end := start + opts.TargetTokens
		if end > len(tokens) {
			end = len(tokens)
		}

		content := text[tokens[start].start:tokens[end-1].end]
		index := len(chunks)
		chunks = append(chunks, Chunk{
			ID:          ChunkID(sourcePath, index),
			SourcePath:  sourcePath,
			ChunkIndex:  index,
			Content:     content,
			TokenCount:  end - start,
			ContentHash: HashContent(content),
			CreatedAt:   createdAt,
			Permanent:   opts.Permanent,
		})

		if end == len(tokens) {
			break
		}
	}

	return chunks, nil
}
