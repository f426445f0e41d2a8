package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	StrategyMultipart = "multipart"

	defaultMultipartEndpoint = "/api/faceswap"
	defaultSourceField       = "src_img"
	defaultTargetField       = "tgt_img"

	maxResultBytes = 64 << 20
	maxErrorBody   = 4 << 10
)

// MultipartTransport uploads both images as form files and reads the raw
// result image from the response body.
type MultipartTransport struct {
	url         string
	sourceField string
	targetField string
}

// NewMultipartTransport posts to url. Empty field names default to the
// provider's src_img / tgt_img.
func NewMultipartTransport(url, sourceField, targetField string) *MultipartTransport {
	if sourceField == "" {
		sourceField = defaultSourceField
	}
	if targetField == "" {
		targetField = defaultTargetField
	}
	return &MultipartTransport{url: url, sourceField: sourceField, targetField: targetField}
}

func (t *MultipartTransport) Name() string { return StrategyMultipart }

func (t *MultipartTransport) Send(ctx context.Context, client *http.Client, source, target []byte) (*Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writeImagePart(writer, t.sourceField, "source", source); err != nil {
		return nil, newError(KindRejected, 0, err)
	}
	if err := writeImagePart(writer, t.targetField, "target", target); err != nil {
		return nil, newError(KindRejected, 0, err)
	}
	if err := writer.Close(); err != nil {
		return nil, newError(KindRejected, 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, body)
	if err != nil {
		return nil, newError(KindRejected, 0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "image/*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, classifyStatus(resp.StatusCode, readErrorBody(resp.Body))
	}

	data, err := readResultBody(resp)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, newError(KindProtocol, resp.StatusCode, errors.New("empty response body"))
	}
	mediaType, err := resultMediaType(resp.Header.Get("Content-Type"), data)
	if err != nil {
		return nil, newError(KindProtocol, resp.StatusCode, err)
	}
	return &Result{Data: data, MediaType: mediaType}, nil
}

func writeImagePart(w *multipart.Writer, field, name string, data []byte) error {
	detected := mimetype.Detect(data)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name+detected.Extension()))
	header.Set("Content-Type", detected.String())
	part, err := w.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

// resultMediaType trusts an image/* Content-Type header and otherwise sniffs
// the payload. Anything that is not an image is a protocol error.
func resultMediaType(header string, data []byte) (string, error) {
	if mt, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mt, "image/") {
		return mt, nil
	}
	detected := mimetype.Detect(data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return "", fmt.Errorf("result is %s, not an image", detected.String())
	}
	mt, _, _ := mime.ParseMediaType(detected.String())
	return mt, nil
}

// readResultBody reads at most maxResultBytes. A longer body is a protocol
// error rather than a truncated image.
func readResultBody(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes+1))
	if err != nil {
		return nil, classifyTransport(err)
	}
	if len(data) > maxResultBytes {
		return nil, newError(KindProtocol, resp.StatusCode, fmt.Errorf("result exceeds %d bytes", maxResultBytes))
	}
	return data, nil
}

func readErrorBody(r io.Reader) string {
	slurp, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(slurp))
}
