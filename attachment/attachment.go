// Package attachment validates and normalizes QueueJob attachments,
// adapting the teacher's buffered-pool AttachmentProcessor from file-path
// reads to the base64-in-column payload the job store carries.
package attachment

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/mailforge/dispatchd/internal/types"
)

var (
	ErrEmptyFilename     = errors.New("attachment filename is empty")
	ErrInvalidFilename   = errors.New("attachment filename contains invalid characters")
	ErrNoSource          = errors.New("attachment has neither base64 content nor a file path")
	ErrBothSources       = errors.New("attachment has both base64 content and a file path")
	ErrTooLarge          = errors.New("attachment exceeds maximum allowed size")
	ErrDecodeFailed      = errors.New("attachment base64 content could not be decoded")
)

var invalidFilenameChars = []string{"/", "\\", "\x00", ":", "*", "?", "\"", "<", ">", "|"}

// staticMIMEByExt mirrors the extension table the spec calls out
// (office docs, images, archives, audio/video) for when the caller
// hasn't provided a content type.
var staticMIMEByExt = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".tar":  "application/x-tar",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".json": "application/json",
}

// bufferPool mirrors the teacher's sync.Pool of 32KB chunks used while
// streaming file-path attachments into base64.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 32*1024)
		return &buf
	},
}

// Result is the §4.3 return shape.
type Result struct {
	Processed        []types.Attachment
	ValidationErrors []error
	TotalSize        int64
}

// Processor enforces the configured maximum per-attachment size.
type Processor struct {
	maxSize int64
}

func NewProcessor(maxSize int64) *Processor {
	return &Processor{maxSize: maxSize}
}

// ProcessAll validates and normalizes every attachment on a job. A
// per-attachment failure is recorded in ValidationErrors rather than
// aborting the batch; the caller decides whether any invalid attachment
// should fail the job.
func (p *Processor) ProcessAll(attachments []types.Attachment) Result {
	result := Result{Processed: make([]types.Attachment, 0, len(attachments))}

	for _, a := range attachments {
		normalized, err := p.processOne(a)
		if err != nil {
			result.ValidationErrors = append(result.ValidationErrors, fmt.Errorf("%s: %w", a.Filename, err))
			continue
		}
		result.Processed = append(result.Processed, normalized)
		result.TotalSize += int64(len(normalized.Base64Content))
	}

	return result
}

func (p *Processor) processOne(a types.Attachment) (types.Attachment, error) {
	if strings.TrimSpace(a.Filename) == "" {
		return types.Attachment{}, ErrEmptyFilename
	}
	for _, bad := range invalidFilenameChars {
		if strings.Contains(a.Filename, bad) {
			return types.Attachment{}, ErrInvalidFilename
		}
	}

	hasContent := a.Base64Content != ""
	hasPath := a.Path != ""
	switch {
	case !hasContent && !hasPath:
		return types.Attachment{}, ErrNoSource
	case hasContent && hasPath:
		return types.Attachment{}, ErrBothSources
	}

	out := a
	var raw []byte
	if hasContent {
		decoded, err := base64.StdEncoding.DecodeString(a.Base64Content)
		if err != nil {
			return types.Attachment{}, ErrDecodeFailed
		}
		raw = decoded
	} else {
		loaded, err := loadFromPath(a.Path, p.maxSize)
		if err != nil {
			return types.Attachment{}, err
		}
		raw = loaded
		out.Base64Content = base64.StdEncoding.EncodeToString(raw)
		out.Path = "" // never let a filesystem path leave the worker
	}

	if int64(len(raw)) > p.maxSize {
		return types.Attachment{}, ErrTooLarge
	}

	out.ContentType = resolveMIMEType(a.ContentType, a.Filename, raw)
	return out, nil
}

func loadFromPath(path string, maxSize int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat attachment file")
	}
	if info.Size() > maxSize {
		return nil, ErrTooLarge
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open attachment file")
	}
	defer file.Close()

	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)

	data := make([]byte, 0, info.Size())
	buf := *bufPtr
	for {
		n, readErr := file.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, errors.Wrap(readErr, "read attachment file")
		}
	}
	return data, nil
}

func resolveMIMEType(provided, filename string, raw []byte) string {
	if provided != "" {
		return provided
	}
	if mt, ok := staticMIMEByExt[strings.ToLower(filepath.Ext(filename))]; ok {
		return mt
	}
	if len(raw) > 0 {
		sniffLen := 512
		if len(raw) < sniffLen {
			sniffLen = len(raw)
		}
		return http.DetectContentType(raw[:sniffLen])
	}
	return "application/octet-stream"
}
