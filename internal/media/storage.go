// Package media stores uploaded blobs on disk and hands back a URI for them.
package media

import (
	"bufio"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/circle/internal/metrics"
	"github.com/eldtechnologies/circle/internal/models"
)

// URLPrefix is where saved files are served from.
const URLPrefix = "/uploads/"

// MaxFormMemory is how much of a multipart upload is buffered in memory;
// the rest spills to temp files. It is also the allowance for the multipart
// envelope on top of the upload limit.
const MaxFormMemory = 1 << 20

// DiskStorage writes uploads into a directory.
type DiskStorage struct {
	dir      string
	maxBytes int64
}

// NewDiskStorage creates dir if needed.
func NewDiskStorage(dir string, maxBytes int64) (*DiskStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &DiskStorage{dir: dir, maxBytes: maxBytes}, nil
}

// Dir returns the upload directory.
func (d *DiskStorage) Dir() string {
	return d.dir
}

// KindForMIME maps a MIME type to a media content type.
func KindForMIME(contentType string) (models.ContentType, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return models.ContentPhoto, true
	case strings.HasPrefix(mediaType, "video/"):
		return models.ContentVideo, true
	case strings.HasPrefix(mediaType, "audio/"):
		return models.ContentAudio, true
	}
	return "", false
}

// Save stores r and returns its URI and media kind. The declared content
// type wins; otherwise the first bytes are sniffed. The original file name
// only contributes its extension.
func (d *DiskStorage) Save(r io.Reader, filename, contentType string) (string, models.ContentType, error) {
	br := bufio.NewReaderSize(r, 512)
	head, _ := br.Peek(512)

	kind, ok := KindForMIME(contentType)
	if !ok {
		contentType = http.DetectContentType(head)
		kind, ok = KindForMIME(contentType)
	}
	if !ok {
		return "", "", fmt.Errorf("%w: unsupported media type %q", models.ErrInvalidContent, contentType)
	}

	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if ext == "" || len(ext) > 8 {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	name := ulid.Make().String() + ext

	f, err := os.OpenFile(filepath.Join(d.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", "", err
	}

	var src io.Reader = br
	if d.maxBytes > 0 {
		src = io.LimitReader(br, d.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && d.maxBytes > 0 && n > d.maxBytes {
		err = fmt.Errorf("%w: upload exceeds %d bytes", models.ErrInvalidContent, d.maxBytes)
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: empty upload", models.ErrInvalidContent)
	}
	if err != nil {
		os.Remove(f.Name())
		return "", "", err
	}

	metrics.MediaUploads.WithLabelValues(string(kind)).Inc()
	return URLPrefix + name, kind, nil
}

// Remove deletes a file returned by Save. Removing a missing file is not an
// error.
func (d *DiskStorage) Remove(uri string) error {
	name := strings.TrimPrefix(uri, URLPrefix)
	if name == uri || name == "" || name != filepath.Base(name) {
		return fmt.Errorf("%w: not an upload %q", models.ErrInvalidContent, uri)
	}
	if err := os.Remove(filepath.Join(d.dir, name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Handler serves saved files.
func (d *DiskStorage) Handler() http.Handler {
	return http.StripPrefix(URLPrefix, http.FileServer(http.Dir(d.dir)))
}
