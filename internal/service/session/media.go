package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/zhouzirui/session-gateway/internal/model/message"
	"github.com/zhouzirui/session-gateway/internal/service/store"
)

// MediaSource names where an outbound payload comes from. Exactly one of
// Data, Encoded, URL or Ref is expected; they are tried in that order.
type MediaSource struct {
	// Data is raw bytes, e.g. a multipart upload.
	Data []byte
	// Encoded is plain base64 or a data: URI.
	Encoded string
	// URL is fetched over http or https.
	URL string
	// Ref is a blob previously stored for the same session.
	Ref string

	MimeType string
	Filename string
}

func (s *Service) resolveMedia(ctx context.Context, sessionID string, src MediaSource) (*message.Payload, error) {
	var (
		payload *message.Payload
		err     error
	)

	switch {
	case len(src.Data) > 0:
		payload = &message.Payload{MimeType: src.MimeType, Filename: src.Filename, Data: src.Data}
	case strings.TrimSpace(src.Encoded) != "":
		payload, err = decodeEncoded(src)
	case strings.TrimSpace(src.URL) != "":
		payload, err = s.fetch(ctx, src)
	case strings.TrimSpace(src.Ref) != "":
		payload, err = s.openRef(ctx, sessionID, src)
	default:
		return nil, ErrUnsupportedMediaSource
	}
	if err != nil {
		return nil, err
	}

	if int64(len(payload.Data)) > s.opts.MaxMediaBytes {
		return nil, ErrMediaTooLarge
	}
	if payload.MimeType == "" {
		payload.MimeType = http.DetectContentType(payload.Data)
	}
	if mt, _, err := mime.ParseMediaType(payload.MimeType); err == nil {
		payload.MimeType = mt
	}
	return payload, nil
}

// decodeEncoded accepts "data:<mime>;base64,<data>" or bare base64.
func decodeEncoded(src MediaSource) (*message.Payload, error) {
	raw := strings.TrimSpace(src.Encoded)
	mimeType := src.MimeType

	if strings.HasPrefix(raw, "data:") {
		header, data, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return nil, fmt.Errorf("%w: data uri must be base64 encoded", ErrUnsupportedMediaSource)
		}
		if mimeType == "" {
			mimeType = strings.TrimSuffix(header, ";base64")
		}
		raw = data
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrUnsupportedMediaSource, err)
	}
	return &message.Payload{MimeType: mimeType, Filename: src.Filename, Data: decoded}, nil
}

func (s *Service) fetch(ctx context.Context, src MediaSource) (*message.Payload, error) {
	u, err := url.Parse(strings.TrimSpace(src.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMediaSource, src.URL)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.MediaFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrMediaUnavailable, resp.StatusCode)
	}
	if resp.ContentLength > s.opts.MaxMediaBytes {
		return nil, ErrMediaTooLarge
	}

	data, err := readCapped(resp.Body, s.opts.MaxMediaBytes)
	if err != nil {
		return nil, err
	}

	mimeType := src.MimeType
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	filename := src.Filename
	if filename == "" {
		if base := path.Base(u.Path); base != "/" && base != "." {
			filename = base
		}
	}
	return &message.Payload{MimeType: mimeType, Filename: filename, Data: data}, nil
}

func (s *Service) openRef(ctx context.Context, sessionID string, src MediaSource) (*message.Payload, error) {
	ref := strings.TrimSpace(src.Ref)
	if !strings.HasPrefix(ref, sessionID+"/") {
		return nil, fmt.Errorf("%w: blob belongs to another session", ErrUnsupportedMediaSource)
	}

	rc, size, err := s.store.OpenBlob(ctx, ref)
	if errors.Is(err, store.ErrBlobNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMediaUnavailable, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	defer rc.Close()

	if size > s.opts.MaxMediaBytes {
		return nil, ErrMediaTooLarge
	}
	data, err := readCapped(rc, s.opts.MaxMediaBytes)
	if err != nil {
		return nil, err
	}

	mimeType := src.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(path.Ext(ref))
	}
	return &message.Payload{MimeType: mimeType, Filename: src.Filename, Data: data}, nil
}

func readCapped(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	if int64(len(data)) > max {
		return nil, ErrMediaTooLarge
	}
	return data, nil
}
