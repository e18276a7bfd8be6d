// Package media implements playback negotiation: classifying stored files
// into playback modes and resolving the URLs a player mounts against.
package media

import (
	"path/filepath"
	"strings"
)

// Mode is the playback mode a file resolves to.
type Mode string

const (
	ModeAdaptive    Mode = "adaptive"
	ModeDirect      Mode = "direct"
	ModeAudio       Mode = "audio"
	ModeImage       Mode = "image"
	ModeDocument    Mode = "document"
	ModeUnsupported Mode = "unsupported"
)

// FileDescriptor is the immutable metadata of a stored file.
type FileDescriptor struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type"`
	SizeBytes    int64  `json:"size_bytes"`
	StoragePath  string `json:"storage_path"`
}

// StreamDescriptor is the single decision artifact produced by resolution.
// It is committed wholesale and never mutated; a retry produces a new one.
type StreamDescriptor struct {
	Mode         Mode   `json:"mode"`
	PrimaryURL   string `json:"primary_url"`
	FallbackURL  string `json:"fallback_url,omitempty"`
	OriginOnline bool   `json:"origin_online"`
}

// videoExtensions are suffixes treated as video when the MIME type is
// generic or absent.
var videoExtensions = []string{
	".mp4", ".m4v", ".mkv", ".webm", ".mov", ".avi", ".wmv", ".flv", ".ts", ".mpg", ".mpeg",
}

// audioExtensions are suffixes treated as audio when the MIME type is
// generic or absent.
var audioExtensions = []string{
	".mp3", ".m4a", ".aac", ".flac", ".wav", ".ogg", ".opus", ".wma",
}

func hasExtension(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// ClassifyMode determines the base playback mode for a file from its MIME
// type, falling back to extension matching when the MIME type is generic or
// absent. Video classifies as direct; the resolver may upgrade it to
// adaptive.
func ClassifyMode(mimeType, name string) Mode {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mt, "video/"):
		return ModeDirect
	case strings.HasPrefix(mt, "audio/"):
		return ModeAudio
	case strings.HasPrefix(mt, "image/"):
		return ModeImage
	case mt == "application/pdf":
		return ModeDocument
	}

	// Generic or missing MIME type: fall back to the filename.
	if hasExtension(name, videoExtensions) {
		return ModeDirect
	}
	if hasExtension(name, audioExtensions) {
		return ModeAudio
	}
	return ModeUnsupported
}
