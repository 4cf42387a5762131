package validation

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

const (
	msgInvalidFileType = "Invalid file type. Please upload PDF, JPG, PNG, or TIFF."
	msgFileTooLarge    = "File size exceeds maximum limit."
	msgFileEmpty       = "File is empty."
	msgPDFUnreadable   = "PDF file could not be read."
)

var allowedExtensions = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".tiff": "image/tiff",
	".tif":  "image/tiff",
}

var allowedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
	"image/tiff":      true,
}

// FileInfo: результат проверки файла перед загрузкой.
type FileInfo struct {
	Path        string
	Name        string
	Size        int64
	ContentType string
}

// UploadFile проверяет файл на диске: расширение, тип содержимого, размер, читаемость PDF.
func UploadFile(path string, maxSize int64) (*FileInfo, error) {
	errs := FieldErrors{}
	name := filepath.Base(path)

	ext := strings.ToLower(filepath.Ext(name))
	expected, ok := allowedExtensions[ext]
	if !ok {
		errs["file"] = msgInvalidFileType
		return nil, errs
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if st.IsDir() {
		errs["file"] = msgInvalidFileType
		return nil, errs
	}
	if st.Size() == 0 {
		errs["file"] = msgFileEmpty
		return nil, errs
	}
	if maxSize > 0 && st.Size() > maxSize {
		errs["file"] = msgFileTooLarge
		return nil, errs
	}

	contentType, err := sniffContentType(path)
	if err != nil {
		return nil, err
	}
	// TIFF http.DetectContentType не распознаёт, поэтому для него доверяем расширению.
	if contentType == "application/octet-stream" && expected == "image/tiff" {
		contentType = expected
	}
	if !allowedContentTypes[contentType] || contentType != expected {
		errs["file"] = msgInvalidFileType
		return nil, errs
	}

	if contentType == "application/pdf" {
		pages, err := api.PageCountFile(path)
		if err != nil || pages < 1 {
			errs["file"] = msgPDFUnreadable
			return nil, errs
		}
	}

	return &FileInfo{
		Path:        path,
		Name:        name,
		Size:        st.Size(),
		ContentType: contentType,
	}, nil
}

func sniffContentType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("read file header: %w", err)
	}

	ct := http.DetectContentType(buf[:n])
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct), nil
}
