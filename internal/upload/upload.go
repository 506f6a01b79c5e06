// Package upload streams local files to a storage backend in chunks.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"sync"
)

const DefaultChunkSize = 8192

type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Target is where the server told us to put a file.
type Target struct {
	UploadURL   string  `json:"upload"`
	DownloadURL string  `json:"download"`
	PostData    []Field `json:"postData"`
}

// FileID is the last path segment of the download URL, which the server
// uses as the file id.
func (t Target) FileID() string {
	u, err := url.Parse(t.DownloadURL)
	p := t.DownloadURL
	if err == nil {
		p = u.Path
	}
	return path.Base(strings.TrimRight(p, "/"))
}

// ChunkWriter receives a file one chunk at a time. Close finishes the
// transfer and reports whether the backend accepted it.
type ChunkWriter interface {
	WriteChunk(p []byte) error
	Close() error
}

type Transport interface {
	Open(ctx context.Context, target Target, filename, mimeType string, size int64) (ChunkWriter, error)
}

// Copy reads src in chunkSize pieces into w, calling progress with the
// running total after every chunk was written. It stops at the first
// error; the total reported so far is returned either way.
func Copy(w ChunkWriter, src io.Reader, chunkSize int, progress func(total int64) error) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if werr := w.WriteChunk(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if progress != nil {
				if perr := progress(total); perr != nil {
					return total, perr
				}
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// HTTPTransport posts the file as multipart/form-data, the form fields
// from the target first and the file last under "file".
type HTTPTransport struct {
	Client *http.Client
}

func (t HTTPTransport) Open(ctx context.Context, target Target, filename, mimeType string, size int64) (ChunkWriter, error) {
	if target.UploadURL == "" {
		return nil, errors.New("upload target has no url")
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.UploadURL, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	w := &httpChunkWriter{pw: pw, mw: mw, done: make(chan error, 1)}
	go func() {
		resp, err := client.Do(req)
		if err != nil {
			_ = pr.CloseWithError(err)
			w.done <- err
			return
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err = fmt.Errorf("upload rejected: %s", resp.Status)
			_ = pr.CloseWithError(err)
			w.done <- err
			return
		}
		w.done <- nil
	}()

	for _, f := range target.PostData {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			w.abort(err)
			return nil, err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		w.abort(err)
		return nil, err
	}
	w.part = part
	return w, nil
}

type httpChunkWriter struct {
	pw   *io.PipeWriter
	mw   *multipart.Writer
	part io.Writer
	done chan error
	once sync.Once
	err  error
}

func (w *httpChunkWriter) WriteChunk(p []byte) error {
	if _, err := w.part.Write(p); err != nil {
		w.abort(err)
		return err
	}
	return nil
}

func (w *httpChunkWriter) Close() error {
	w.once.Do(func() {
		if err := w.mw.Close(); err != nil {
			_ = w.pw.CloseWithError(err)
			<-w.done
			w.err = err
			return
		}
		_ = w.pw.Close()
		w.err = <-w.done
	})
	return w.err
}

func (w *httpChunkWriter) abort(err error) {
	w.once.Do(func() {
		_ = w.pw.CloseWithError(err)
		<-w.done
		w.err = err
	})
}
