package pipeline

import (
	"path/filepath"
	"strings"
)

// FileType is the closed set of content families used for validator and processor dispatch
type FileType string

const (
	FileTypeImage FileType = "IMAGE"
	FileTypeVideo FileType = "VIDEO"
	FileTypeAudio FileType = "AUDIO"
	FileTypePDF   FileType = "PDF"
	FileTypeText  FileType = "TEXT"
	FileTypeOther FileType = "OTHER"
)

// InferFileType maps a MIME type onto a FileType
func InferFileType(contentType string) FileType {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "":
		return FileTypeOther
	case strings.HasPrefix(ct, "image/"):
		return FileTypeImage
	case strings.HasPrefix(ct, "video/"):
		return FileTypeVideo
	case strings.HasPrefix(ct, "audio/"):
		return FileTypeAudio
	case ct == "application/pdf":
		return FileTypePDF
	case strings.HasPrefix(ct, "text/"), ct == "application/json", ct == "application/xml":
		return FileTypeText
	default:
		return FileTypeOther
	}
}

var extensionsByType = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"video/mpeg":      ".mpeg",
	"audio/mpeg":      ".mp3",
	"application/pdf": ".pdf",
}

// FileExtension picks the extension of fileName, falling back to one derived from contentType
func FileExtension(fileName, contentType string) string {
	if ext := filepath.Ext(fileName); ext != "" && ext != fileName {
		return ext
	}
	return extensionsByType[strings.ToLower(contentType)]
}
