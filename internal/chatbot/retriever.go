package chatbot

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Retriever supplies knowledge-base snippets relevant to a query. The
// bot answers strictly from these snippets for service and pricing
// questions.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]string, error)
}

// chunkSize and chunkOverlap control how documents are split. Small
// overlapping chunks keep a single price table from dominating every
// answer.
const (
	chunkSize    = 800
	chunkOverlap = 80
)

// DirRetriever is a keyword-overlap retriever over the plain-text
// documents in a directory. Documents are loaded once and chunked in
// memory; the corpus is a handful of service sheets, not a search
// problem that needs an index.
type DirRetriever struct {
	dir string

	once   sync.Once
	chunks []string
	err    error
}

// NewDirRetriever creates a retriever over the documents in dir.
func NewDirRetriever(dir string) *DirRetriever {
	return &DirRetriever{dir: dir}
}

func (r *DirRetriever) load() {
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md":
		default:
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		r.chunks = append(r.chunks, splitChunks(string(data))...)
		return nil
	})
	if err != nil {
		r.err = fmt.Errorf("load documents from %s: %w", r.dir, err)
	}
}

// Retrieve returns up to limit chunks ranked by term overlap with the
// query. An empty result is not an error; the caller falls back to its
// no-information reply.
func (r *DirRetriever) Retrieve(_ context.Context, query string, limit int) ([]string, error) {
	r.once.Do(r.load)
	if r.err != nil {
		return nil, r.err
	}

	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	type scored struct {
		chunk string
		score int
	}
	var matches []scored
	for _, chunk := range r.chunks {
		lower := strings.ToLower(chunk)
		score := 0
		for term := range terms {
			if strings.Contains(lower, term) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{chunk, score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.chunk
	}
	return out, nil
}

// queryTerms extracts the lowercase terms worth matching, dropping
// short stopword-ish tokens.
func queryTerms(query string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(query)) {
		field = strings.Trim(field, ".,;:¿?¡!\"'()")
		if len([]rune(field)) < 4 {
			continue
		}
		terms[field] = struct{}{}
	}
	return terms
}

func splitChunks(doc string) []string {
	doc = strings.TrimSpace(doc)
	if doc == "" {
		return nil
	}

	runes := []rune(doc)
	if len(runes) <= chunkSize {
		return []string{doc}
	}

	var chunks []string
	step := chunkSize - chunkOverlap
	for start := 0; start < len(runes); start += step {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
