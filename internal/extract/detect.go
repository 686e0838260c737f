package extract

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Aman-CERP/kbmcp/internal/kb"
)

// DetectFormat classifies document bytes by magic bytes first, falling
// back to the filename extension for types the sniffer reports as
// generic (zip containers, plain octet streams).
func DetectFormat(data []byte, filename string) kb.Format {
	mime := mimetype.Detect(data)

	switch {
	case mime.Is("application/pdf"):
		return kb.FormatPDF
	case mime.Is("application/vnd.openxmlformats-officedocument.wordprocessingml.document"):
		return kb.FormatDOCX
	case strings.HasPrefix(mime.String(), "image/"):
		return kb.FormatImage
	case strings.HasPrefix(mime.String(), "text/"):
		// Sniffed text still respects a known extension tag below.
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return kb.FormatPDF
	case ".docx":
		return kb.FormatDOCX
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp":
		return kb.FormatImage
	case ".txt", ".md", ".markdown", ".rst", ".csv", ".json", ".yaml", ".yml", ".xml", ".html", ".htm", ".log":
		return kb.FormatText
	}

	if strings.HasPrefix(mime.String(), "text/") {
		return kb.FormatText
	}
	return kb.FormatOther
}
