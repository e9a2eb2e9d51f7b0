package camera

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/eleven-am/face-kiosk/internal/shared"
)

// MJPEGDevice reads an IP camera's multipart/x-mixed-replace JPEG stream.
// The requested resolution is passed as width/height query parameters.
type MJPEGDevice struct {
	url        string
	httpClient *http.Client
}

func NewMJPEGDevice(rawURL string, httpClient *http.Client) *MJPEGDevice {
	if httpClient == nil {
		// no Timeout: it would cut the stream body
		httpClient = &http.Client{}
	}
	return &MJPEGDevice{
		url:        rawURL,
		httpClient: httpClient,
	}
}

func (d *MJPEGDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid camera url: %v", shared.ErrDeviceUnavailable, err)
	}
	if c.Width > 0 && c.Height > 0 {
		q := u.Query()
		q.Set("width", strconv.Itoa(c.Width))
		q.Set("height", strconv.Itoa(c.Height))
		u.RawQuery = q.Encode()
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stopAbort := context.AfterFunc(ctx, cancel)
	defer stopAbort()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", shared.ErrDeviceUnavailable, err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", shared.ErrDeviceUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: camera returned status %d", shared.ErrPermissionDenied, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: camera returned status %d", shared.ErrDeviceUnavailable, resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: not an mjpeg stream (%s)", shared.ErrDeviceUnavailable, resp.Header.Get("Content-Type"))
	}

	return &mjpegStream{
		body:   resp,
		reader: multipart.NewReader(resp.Body, params["boundary"]),
		cancel: cancel,
	}, nil
}

type mjpegStream struct {
	body   *http.Response
	reader *multipart.Reader
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func (s *mjpegStream) ReadFrame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	part, err := s.reader.NextPart()
	if err != nil {
		return nil, fmt.Errorf("next mjpeg part: %w", err)
	}
	defer part.Close()

	img, err := jpeg.Decode(part)
	if err != nil {
		return nil, fmt.Errorf("decode mjpeg part: %w", err)
	}
	return img, nil
}

func (s *mjpegStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.body.Body.Close()
	})
	return s.closeErr
}
