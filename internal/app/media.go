package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"medicare/internal/util"
	"medicare/pkg/imageutil"
	"medicare/pkg/storage"
)

var (
	ErrMediaUnavailable = errors.New("media storage not configured")
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

// Media is one object ready to be served: either a redirect URL or a body.
type Media struct {
	RedirectURL string
	Body        io.ReadCloser
	ContentType string
}

// UploadMedia stores a drug photo or an audio note and returns its URL.
// Photos are re-encoded as small JPEGs.
func (a *App) UploadMedia(ctx context.Context, filename string, data []byte) (string, error) {
	if a.media == nil {
		return "", ErrMediaUnavailable
	}
	contentType := http.DetectContentType(data)
	var key string
	switch {
	case strings.HasPrefix(contentType, "image/"):
		small, err := imageutil.CompressBytes(data, imageutil.ReferenceWidth)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnsupportedMedia, err)
		}
		data = small
		contentType = "image/jpeg"
		key = path.Join("images", util.NewID()+".jpg")
	case strings.HasPrefix(contentType, "audio/") || strings.HasPrefix(contentType, "video/webm") || contentType == "application/ogg":
		key = path.Join("audio", util.NewID()+audioExt(filename, contentType))
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, contentType)
	}
	if err := a.media.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", fmt.Errorf("save media: %w", err)
	}
	return storage.MediaPath(key), nil
}

// OpenMedia locates an uploaded object. Backends that can presign answer
// with a redirect.
func (a *App) OpenMedia(ctx context.Context, key string) (Media, error) {
	if a.media == nil {
		return Media{}, ErrMediaUnavailable
	}
	if _, err := storage.CleanKey(key); err != nil {
		return Media{}, err
	}
	url, err := a.media.PresignGet(ctx, key, a.presignExpiry)
	if err == nil {
		return Media{RedirectURL: url}, nil
	}
	if !errors.Is(err, storage.ErrPresignUnsupported) {
		return Media{}, err
	}
	body, ct, err := a.media.Get(ctx, key)
	if err != nil {
		return Media{}, err
	}
	return Media{Body: body, ContentType: ct}, nil
}

func audioExt(filename, contentType string) string {
	if ext := strings.ToLower(path.Ext(filename)); ext != "" && len(ext) <= 5 {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".webm"
}
