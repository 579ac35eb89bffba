package handoff

import (
	"net/url"
	"path"
	"strings"
)

var kindByExtension = map[string]ContentKind{
	"jpg": KindImage, "jpeg": KindImage, "png": KindImage, "gif": KindImage, "webp": KindImage,
	"mp4": KindVideo, "mov": KindVideo, "avi": KindVideo, "webm": KindVideo,
	"mp3": KindAudio, "wav": KindAudio, "ogg": KindAudio, "opus": KindAudio,
}

// Classify maps a media reference to a content kind. An empty reference is
// text; anything with an unknown extension is a document.
func Classify(mediaURL string) ContentKind {
	ref := strings.TrimSpace(mediaURL)
	if ref == "" {
		return KindText
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	if decoded, err := url.PathUnescape(ref); err == nil {
		ref = decoded
	}
	ext := strings.TrimPrefix(path.Ext(strings.ToLower(ref)), ".")
	if kind, ok := kindByExtension[ext]; ok {
		return kind
	}
	return KindDocument
}
