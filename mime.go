package cloudvfs

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
)

// Common MIME types
const (
	MIMETypeTextPlain       = "text/plain"
	MIMETypeTextHTML        = "text/html"
	MIMETypeTextCSS         = "text/css"
	MIMETypeTextJavaScript  = "text/javascript"
	MIMETypeApplicationJSON = "application/json"
	MIMETypeApplicationXML  = "application/xml"
	MIMETypeImageJPEG       = "image/jpeg"
	MIMETypeImagePNG        = "image/png"
	MIMETypeImageGIF        = "image/gif"
	MIMETypeImageSVG        = "image/svg+xml"
	MIMETypeImageWebP       = "image/webp"
	MIMETypeAudioMP3        = "audio/mpeg"
	MIMETypeAudioOGG        = "audio/ogg"
	MIMETypeVideoMP4        = "video/mp4"
	MIMETypeVideoWebM       = "video/webm"
	MIMETypeApplicationPDF  = "application/pdf"
	MIMETypeApplicationZip  = "application/zip"
)

// extensionToMIME pins the types served for common extensions so results do
// not depend on the host's mime tables.
var extensionToMIME = map[string]string{
	".txt":   MIMETypeTextPlain,
	".html":  MIMETypeTextHTML,
	".htm":   MIMETypeTextHTML,
	".css":   MIMETypeTextCSS,
	".js":    MIMETypeTextJavaScript,
	".json":  MIMETypeApplicationJSON,
	".xml":   MIMETypeApplicationXML,
	".jpg":   MIMETypeImageJPEG,
	".jpeg":  MIMETypeImageJPEG,
	".png":   MIMETypeImagePNG,
	".gif":   MIMETypeImageGIF,
	".svg":   MIMETypeImageSVG,
	".webp":  MIMETypeImageWebP,
	".mp3":   MIMETypeAudioMP3,
	".ogg":   MIMETypeAudioOGG,
	".mp4":   MIMETypeVideoMP4,
	".webm":  MIMETypeVideoWebM,
	".pdf":   MIMETypeApplicationPDF,
	".zip":   MIMETypeApplicationZip,
	".gz":    "application/gzip",
	".tar":   "application/x-tar",
	".csv":   "text/csv",
	".md":    "text/markdown",
	".doc":   "application/msword",
	".docx":  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":   "application/vnd.ms-excel",
	".xlsx":  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":   "application/vnd.ms-powerpoint",
	".pptx":  "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".eot":   "application/vnd.ms-fontobject",
	".otf":   "font/otf",
	".7z":    "application/x-7z-compressed",
	".rar":   "application/vnd.rar",
	".mkv":   "video/x-matroska",
	".mov":   "video/quicktime",
	".flac":  "audio/flac",
	".wav":   "audio/wav",
	".avif":  "image/avif",
	".ico":   "image/x-icon",
	".yaml":  "application/yaml",
	".yml":   "application/yaml",
}

// ContentTypeByName derives the MIME type from a file name's extension.
// Object content and caller-supplied metadata are never consulted.
func ContentTypeByName(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if contentType, ok := extensionToMIME[ext]; ok {
		return contentType
	}
	if contentType := mime.TypeByExtension(ext); contentType != "" {
		return contentType
	}
	return MIMETypeOctetStream
}

// MIMETypeOctetStream is served when the extension is unknown.
const MIMETypeOctetStream = "application/octet-stream"

// activeContentTypes can execute script when rendered inline.
var activeContentTypes = map[string]bool{
	MIMETypeTextHTML:        true,
	MIMETypeImageSVG:        true,
	MIMETypeTextJavaScript:  true,
	MIMETypeApplicationXML:  true,
	"application/xhtml+xml": true,
}

// InlineContentType returns the type to serve for inline previews. Types
// that can run script in the viewer are downgraded to plain text.
func InlineContentType(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	if activeContentTypes[strings.TrimSpace(base)] {
		return MIMETypeTextPlain + "; charset=utf-8"
	}
	return contentType
}

// ContentDisposition builds a Content-Disposition value carrying both an
// ASCII fallback and an RFC 5987 encoded file name.
func ContentDisposition(name string, attachment bool) string {
	kind := "inline"
	if attachment {
		kind = "attachment"
	}
	fallback := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`, kind, fallback, url.PathEscape(name))
}
