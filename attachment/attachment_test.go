package attachment

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailforge/dispatchd/internal/types"
)

func TestProcessAllDecodesBase64Content(t *testing.T) {
	p := NewProcessor(1024 * 1024)
	result := p.ProcessAll([]types.Attachment{
		{
			Filename:      "notes.txt",
			Base64Content: base64.StdEncoding.EncodeToString([]byte("hello world")),
		},
	})

	require.Empty(t, result.ValidationErrors)
	require.Len(t, result.Processed, 1)
	assert.Equal(t, "text/plain", result.Processed[0].ContentType)
}

func TestProcessAllLoadsFromPathAndClearsIt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 fake"), 0644))

	p := NewProcessor(1024 * 1024)
	result := p.ProcessAll([]types.Attachment{{Filename: "report.pdf", Path: path}})

	require.Empty(t, result.ValidationErrors)
	require.Len(t, result.Processed, 1)
	assert.Empty(t, result.Processed[0].Path)
	assert.NotEmpty(t, result.Processed[0].Base64Content)
	assert.Equal(t, "application/pdf", result.Processed[0].ContentType)
}

func TestProcessAllRejectsEmptyFilename(t *testing.T) {
	p := NewProcessor(1024)
	result := p.ProcessAll([]types.Attachment{{Base64Content: "aGk="}})
	assert.Empty(t, result.Processed)
	require.Len(t, result.ValidationErrors, 1)
}

func TestProcessAllRejectsBothSources(t *testing.T) {
	p := NewProcessor(1024)
	result := p.ProcessAll([]types.Attachment{{
		Filename:      "a.txt",
		Base64Content: "aGk=",
		Path:          "/tmp/a.txt",
	}})
	assert.Empty(t, result.Processed)
	require.Len(t, result.ValidationErrors, 1)
}

func TestProcessAllRejectsOversizedContent(t *testing.T) {
	p := NewProcessor(4)
	result := p.ProcessAll([]types.Attachment{{
		Filename:      "big.txt",
		Base64Content: base64.StdEncoding.EncodeToString([]byte("way too big")),
	}})
	assert.Empty(t, result.Processed)
	require.Len(t, result.ValidationErrors, 1)
}

func TestProcessAllContinuesPastPerAttachmentFailure(t *testing.T) {
	p := NewProcessor(1024 * 1024)
	result := p.ProcessAll([]types.Attachment{
		{Filename: "", Base64Content: "aGk="},
		{Filename: "good.txt", Base64Content: base64.StdEncoding.EncodeToString([]byte("ok"))},
	})
	assert.Len(t, result.Processed, 1)
	assert.Len(t, result.ValidationErrors, 1)
}
