package grobid

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessFulltext(t *testing.T) {
	pdfBytes := []byte("%PDF-1.7 fake")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/processFulltextDocument", r.URL.Path)

		file, header, err := r.FormFile("input")
		require.NoError(t, err)
		defer file.Close()

		assert.Equal(t, "paper.pdf", header.Filename)
		got, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, pdfBytes, got)

		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(sampleTEI))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})

	doc, err := client.ProcessFulltext(context.Background(), pdfBytes)
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Abstract)
	assert.Len(t, doc.References, 3)
}

func TestProcessFulltextFile(t *testing.T) {
	pdfBytes := []byte("%PDF-1.7 on disk")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("input")
		require.NoError(t, err)
		defer file.Close()

		got, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, pdfBytes, got)

		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(sampleTEI))
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "paper.pdf")
	require.NoError(t, os.WriteFile(path, pdfBytes, 0o644))

	client := NewClient(Config{BaseURL: server.URL})

	doc, err := client.ProcessFulltextFile(context.Background(), path)
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Abstract)
}

func TestProcessFulltextNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})

	_, err := client.ProcessFulltext(context.Background(), []byte("%PDF-"))
	require.Error(t, err)

	var processErr *ProcessError
	require.ErrorAs(t, err, &processErr)
	assert.Equal(t, http.StatusNoContent, processErr.Code)
	assert.ErrorIs(t, err, ErrProcessingFailed)
}

func TestProcessFulltextServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("all workers busy"))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})

	_, err := client.ProcessFulltext(context.Background(), []byte("%PDF-"))
	var processErr *ProcessError
	require.ErrorAs(t, err, &processErr)
	assert.Equal(t, http.StatusServiceUnavailable, processErr.Code)
	assert.Equal(t, "all workers busy", processErr.Message)
}

func TestIsAlive(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/isalive", r.URL.Path)
			_, _ = w.Write([]byte("true"))
		}))
		defer server.Close()

		assert.NoError(t, NewClient(Config{BaseURL: server.URL}).IsAlive(context.Background()))
	})

	t.Run("unhealthy", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		assert.Error(t, NewClient(Config{BaseURL: server.URL}).IsAlive(context.Background()))
	})
}
