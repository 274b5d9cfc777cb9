package chatbot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testCorpus(t *testing.T) *DirRetriever {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"servicios.txt": "Optimización de Hoja de Vida: incluye revisión ATS y entrega en 40 a 120 minutos.",
		"precios.md":    "Preparación para Entrevistas: mentoría virtual personalizada de 45 a 60 minutos.",
		"interno.json":  `{"ignored": true}`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return NewDirRetriever(dir)
}

func TestRetrieveRanksByOverlap(t *testing.T) {
	r := testCorpus(t)

	snippets, err := r.Retrieve(context.Background(), "¿cuánto dura la preparación para entrevistas?", 2)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(snippets) == 0 {
		t.Fatal("no snippets returned")
	}
	if !strings.Contains(snippets[0], "Entrevistas") {
		t.Errorf("top snippet = %q, want the interview document", snippets[0])
	}
}

func TestRetrieveNoMatch(t *testing.T) {
	r := testCorpus(t)

	snippets, err := r.Retrieve(context.Background(), "zzz inexistente", 4)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(snippets) != 0 {
		t.Errorf("got %d snippets for unmatched query", len(snippets))
	}
}

func TestRetrieveSkipsNonText(t *testing.T) {
	r := testCorpus(t)

	snippets, _ := r.Retrieve(context.Background(), "ignored", 4)
	for _, s := range snippets {
		if strings.Contains(s, "ignored") {
			t.Errorf("non-text document leaked into corpus: %q", s)
		}
	}
}

func TestSplitChunksOverlap(t *testing.T) {
	doc := strings.Repeat("palabra ", 300) // ~2400 runes
	chunks := splitChunks(doc)
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > chunkSize {
			t.Errorf("chunk exceeds %d runes", chunkSize)
		}
	}
}
