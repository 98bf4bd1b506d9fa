// Package uplink ships queue batches to a remote collector over HTTP as
// zstd-compressed CBOR and decodes the same wire form on the receiving side.
package uplink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/saviobatista/fleetsync/internal/codec"
	"github.com/saviobatista/fleetsync/internal/types"
)

const (
	ContentType     = "application/cbor"
	ContentEncoding = "zstd"
	// MaxBatchBytes bounds a decoded batch body
	MaxBatchBytes = 32 << 20
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("uplink: zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBatchBytes))
	if err != nil {
		panic(fmt.Sprintf("uplink: zstd decoder: %v", err))
	}
}

// Batch is the uplink wire body
type Batch struct {
	Items []types.QueueItem `cbor:"items"`
}

// StatusError is returned when the remote rejects a batch
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.Code, e.Body)
}

// Client posts batches to a remote collector over HTTP
type Client struct {
	url  string
	http *http.Client
}

// New creates an uplink client. A nil httpClient uses a client with a 30s
// timeout.
func New(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{url: url, http: httpClient}
}

// EncodeBatch returns the compressed wire form of items
func EncodeBatch(items []types.QueueItem) ([]byte, error) {
	raw, err := codec.Marshal(Batch{Items: items})
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// DecodeBatch reads a body produced by EncodeBatch
func DecodeBatch(r io.Reader) ([]types.QueueItem, error) {
	compressed, err := io.ReadAll(io.LimitReader(r, MaxBatchBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress batch: %w", err)
	}
	var b Batch
	if err := codec.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}
	return b.Items, nil
}

// IdempotencyKey identifies a batch by the ids it carries
func IdempotencyKey(items []types.QueueItem) string {
	h := sha256.New()
	for _, item := range items {
		io.WriteString(h, item.ID)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Upload posts items as one request. 2xx and 409 (batch already stored)
// count as success.
func (c *Client) Upload(ctx context.Context, items []types.QueueItem) error {
	if len(items) == 0 {
		return nil
	}

	body, err := EncodeBatch(items)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Content-Encoding", ContentEncoding)
	req.Header.Set("Idempotency-Key", IdempotencyKey(items))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusConflict {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
}
