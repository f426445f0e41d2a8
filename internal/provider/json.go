package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	StrategyJSON = "json"

	defaultJSONEndpoint = "/api/predict"
)

// Encoding is how image bytes are embedded in a JSON request.
type Encoding string

const (
	EncodingBase64 Encoding = "base64"
	EncodingHex    Encoding = "hex"
)

// ParseEncoding accepts "base64" (the default when empty) or "hex".
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingBase64:
		return EncodingBase64, nil
	case EncodingHex:
		return EncodingHex, nil
	}
	return "", fmt.Errorf("unknown payload encoding %q", s)
}

func (e Encoding) encode(data []byte) string {
	if e == EncodingHex {
		return hex.EncodeToString(data)
	}
	return base64.StdEncoding.EncodeToString(data)
}

type jsonRequest struct {
	Data []string `json:"data"`
}

type jsonResponse struct {
	Data  []json.RawMessage `json:"data"`
	Error string            `json:"error,omitempty"`
}

// JSONTransport posts {"data": [source, target]} with encoded images and
// expects {"data": [result, ...]} where the first element is base64.
type JSONTransport struct {
	url      string
	encoding Encoding
}

func NewJSONTransport(url string, encoding Encoding) *JSONTransport {
	if encoding == "" {
		encoding = EncodingBase64
	}
	return &JSONTransport{url: url, encoding: encoding}
}

func (t *JSONTransport) Name() string { return StrategyJSON + "/" + string(t.encoding) }

func (t *JSONTransport) Send(ctx context.Context, client *http.Client, source, target []byte) (*Result, error) {
	payload, err := json.Marshal(jsonRequest{Data: []string{t.encoding.encode(source), t.encoding.encode(target)}})
	if err != nil {
		return nil, newError(KindRejected, 0, fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, newError(KindRejected, 0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, classifyStatus(resp.StatusCode, readErrorBody(resp.Body))
	}

	raw, err := readResultBody(resp)
	if err != nil {
		return nil, err
	}
	var decoded jsonResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, newError(KindProtocol, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	if decoded.Error != "" {
		return nil, newError(KindRejected, resp.StatusCode, fmt.Errorf("provider error: %s", decoded.Error))
	}
	if len(decoded.Data) == 0 {
		return nil, newError(KindProtocol, resp.StatusCode, errors.New("response has no data"))
	}

	var first string
	if err := json.Unmarshal(decoded.Data[0], &first); err != nil {
		return nil, newError(KindProtocol, resp.StatusCode, fmt.Errorf("data[0] is not a string: %w", err))
	}
	data, declared, err := decodeResultString(first)
	if err != nil {
		return nil, newError(KindProtocol, resp.StatusCode, err)
	}
	if len(data) == 0 {
		return nil, newError(KindProtocol, resp.StatusCode, errors.New("decoded result is empty"))
	}
	mediaType, err := resultMediaType(declared, data)
	if err != nil {
		return nil, newError(KindProtocol, resp.StatusCode, err)
	}
	return &Result{Data: data, MediaType: mediaType}, nil
}

// decodeResultString accepts plain base64 or a data URI
// ("data:image/png;base64,...") and returns the bytes and declared type.
func decodeResultString(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	var declared string
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		meta, encoded, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", errors.New("malformed data uri")
		}
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", errors.New("data uri is not base64")
		}
		declared = strings.TrimSuffix(meta, ";base64")
		s = encoded
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, "", fmt.Errorf("decode result: %w", err)
	}
	return data, declared, nil
}
