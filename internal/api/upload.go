package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mmeshcher/raw2insight/internal/model"
)

// UploadFile описывает загружаемый файл.
type UploadFile struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Upload отправляет файл multipart-запросом и сообщает процент переданных байтов файла.
// onProgress вызывается только при изменении процента.
func (c *Client) Upload(ctx context.Context, file UploadFile, onProgress func(percent int)) (*model.UploadResponse, error) {
	if file.Body == nil {
		return nil, newTransportError("upload", msgUploadFailed, fmt.Errorf("upload body is nil"))
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeMultipart(mw, file, onProgress)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", pr)
	if err != nil {
		pr.Close()
		return nil, newTransportError("upload", msgUploadFailed, fmt.Errorf("create upload request: %w", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("uploading file", zap.String("filename", file.Name), zap.Int64("size", file.Size))

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return nil, newTransportError("upload", msgUploadFailed, err)
	}
	defer resp.Body.Close()
	// Сервер может ответить до того, как прочитал тело целиком.
	defer pr.Close()

	var out model.UploadResponse
	if err := decodeResponse(resp, &out, "upload", msgUploadFailed); err != nil {
		return nil, err
	}
	if out.JobID == "" {
		return nil, newTransportError("upload", msgUploadFailed, fmt.Errorf("upload response has no job_id"))
	}
	return &out, nil
}

func writeMultipart(mw *multipart.Writer, file UploadFile, onProgress func(int)) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filepath.Base(file.Name))))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create form part: %w", err)
	}

	src := io.Reader(file.Body)
	if onProgress != nil && file.Size > 0 {
		src = &progressReader{r: file.Body, total: file.Size, last: -1, report: onProgress}
	}

	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("copy file: %w", err)
	}
	return nil
}

type progressReader struct {
	r      io.Reader
	total  int64
	loaded int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		percent := int((p.loaded*100 + p.total/2) / p.total)
		if percent > 100 {
			percent = 100
		}
		if percent != p.last {
			p.last = percent
			p.report(percent)
		}
	}
	return n, err
}

func escapeQuotes(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '"' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
