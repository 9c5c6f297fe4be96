// Package opensearch writes documents to OpenSearch through the _bulk API
// using external versioning, so a write only lands when its version is
// strictly greater than the stored one.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
	requestsigner "github.com/opensearch-project/opensearch-go/v4/signer/awsv2"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/types"
)

type Options struct {
	Hosts    []string
	Username string
	Password string
	Timeout  time.Duration
	// Credentials enables SigV4 request signing for Amazon OpenSearch
	// Service ("es") or Serverless ("aoss").
	Credentials aws.CredentialsProvider
	Region      string
	Service     string
}

type Client struct {
	client  *opensearch.Client
	timeout time.Duration
	logger  *zap.Logger
}

func New(opts Options, logger *zap.Logger) (*Client, error) {
	if len(opts.Hosts) == 0 {
		return nil, fmt.Errorf("opensearch: no hosts configured")
	}
	hosts := make([]string, 0, len(opts.Hosts))
	for _, h := range opts.Hosts {
		base, err := normalizeBaseURL(h)
		if err != nil {
			return nil, fmt.Errorf("opensearch host %q: %w", h, err)
		}
		hosts = append(hosts, base)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Service == "" {
		opts.Service = "es"
	}

	// The writer owns retries and backoff.
	cfg := opensearch.Config{
		Addresses:    hosts,
		Username:     opts.Username,
		Password:     opts.Password,
		DisableRetry: true,
	}
	if opts.Credentials != nil {
		signer, err := requestsigner.NewSignerWithService(aws.Config{
			Region:      opts.Region,
			Credentials: opts.Credentials,
		}, opts.Service)
		if err != nil {
			return nil, fmt.Errorf("opensearch signer: %w", err)
		}
		cfg.Signer = signer
	}
	client, err := opensearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Creating OpenSearch client",
		zap.Strings("hosts", hosts),
		zap.Bool("sigv4", cfg.Signer != nil),
		zap.String("service", opts.Service))
	return &Client{client: client, timeout: opts.Timeout, logger: logger}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

type actionMeta struct {
	Index       string `json:"_index"`
	ID          string `json:"_id"`
	Version     int64  `json:"version"`
	VersionType string `json:"version_type"`
}

// encodeDoc renders the action line, and for index actions the source
// line, of one document.
func encodeDoc(d types.IndexDocument) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	meta := actionMeta{Index: d.Index, ID: d.ID, Version: int64(d.Version), VersionType: "external"}
	switch d.Action {
	case types.ActionDelete:
		if err := enc.Encode(map[string]actionMeta{"delete": meta}); err != nil {
			return nil, types.Invalid("document %s: %v", d.ID, err)
		}
	case types.ActionIndex:
		if err := enc.Encode(map[string]actionMeta{"index": meta}); err != nil {
			return nil, types.Invalid("document %s: %v", d.ID, err)
		}
		payload := d.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		if err := enc.Encode(payload); err != nil {
			return nil, types.Invalid("document %s: %v", d.ID, err)
		}
	default:
		return nil, types.Invalid("document %s: unknown action %q", d.ID, d.Action)
	}
	return buf.Bytes(), nil
}

// EncodeBulk renders docs as a newline-delimited _bulk body.
func EncodeBulk(docs []types.IndexDocument) ([]byte, error) {
	var buf bytes.Buffer
	for _, d := range docs {
		b, err := encodeDoc(d)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

type bulkError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type bulkItem struct {
	ID     string     `json:"_id"`
	Status int        `json:"status"`
	Result string     `json:"result"`
	Error  *bulkError `json:"error"`
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

// Bulk writes docs and returns one positional result per document. A
// document that cannot be encoded fails alone, and a request rejected as a
// whole with 400 or 413 is split until the offending document is isolated.
func (c *Client) Bulk(ctx context.Context, docs []types.IndexDocument) ([]types.WriteResult, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	out := make([]types.WriteResult, len(docs))
	var idx []int
	var lines [][]byte
	for i, d := range docs {
		b, err := encodeDoc(d)
		if err != nil {
			c.logger.Warn("Document cannot be encoded", zap.String("id", d.ID), zap.Error(err))
			out[i] = types.WriteResult{ID: d.ID, Outcome: types.PermanentFailure,
				Category: types.CategoryValidation, Reason: err.Error()}
			continue
		}
		idx = append(idx, i)
		lines = append(lines, b)
	}
	if err := c.send(ctx, docs, idx, lines, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, docs []types.IndexDocument, idx []int, lines [][]byte, out []types.WriteResult) error {
	if len(idx) == 0 {
		return nil
	}
	status, raw, err := c.post(ctx, bytes.Join(lines, nil))
	if err != nil {
		c.logger.Warn("Bulk request failed", zap.Int("documents", len(idx)), zap.Error(err))
		return types.Transient(err)
	}

	if status != http.StatusOK {
		msg := fmt.Errorf("bulk request returned %d: %s", status, truncate(raw, 512))
		switch {
		case status == http.StatusTooManyRequests || status >= 500:
			return types.Transient(msg)
		case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge:
			if len(idx) > 1 {
				c.logger.Warn("Splitting rejected bulk request",
					zap.Int("status", status),
					zap.Int("documents", len(idx)))
				half := len(idx) / 2
				c.sendPart(ctx, docs, idx[:half], lines[:half], out)
				c.sendPart(ctx, docs, idx[half:], lines[half:], out)
				return nil
			}
			category := types.CategoryValidation
			if status == http.StatusRequestEntityTooLarge {
				category = types.CategoryRejected
			}
			out[idx[0]] = types.WriteResult{ID: docs[idx[0]].ID, Status: status,
				Outcome: types.PermanentFailure, Category: category, Reason: msg.Error()}
			return nil
		default:
			c.logger.Error("Bulk request rejected",
				zap.Int("status", status),
				zap.Int("documents", len(idx)))
			return msg
		}
	}

	var parsed bulkResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return types.Transient(fmt.Errorf("decode bulk response: %w", err))
	}
	if len(parsed.Items) != len(idx) {
		return types.Transient(fmt.Errorf("bulk response has %d items for %d documents", len(parsed.Items), len(idx)))
	}
	for j, entry := range parsed.Items {
		var action string
		var item bulkItem
		for k, v := range entry {
			action, item = k, v
		}
		out[idx[j]] = classify(docs[idx[j]].ID, action, item)
	}
	return nil
}

// sendPart sends one half of a split request. Its request-level errors
// become transient results so the other half keeps its outcomes.
func (c *Client) sendPart(ctx context.Context, docs []types.IndexDocument, idx []int, lines [][]byte, out []types.WriteResult) {
	if err := c.send(ctx, docs, idx, lines, out); err != nil {
		for _, i := range idx {
			out[i] = types.WriteResult{ID: docs[i].ID, Outcome: types.TransientFailure, Reason: err.Error()}
		}
	}
}

func (c *Client) post(ctx context.Context, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.client.Do(ctx, opensearchapi.BulkReq{
		Body:   bytes.NewReader(body),
		Header: http.Header{"Content-Type": []string{"application/x-ndjson"}},
	}, nil)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func classify(id, action string, it bulkItem) types.WriteResult {
	r := types.WriteResult{ID: id, Status: it.Status}
	if it.Error != nil {
		r.Reason = it.Error.Type + ": " + it.Error.Reason
	}
	switch {
	case it.Status >= 200 && it.Status < 300:
		r.Outcome = types.Accepted
	case it.Status == http.StatusConflict:
		r.Outcome = types.Superseded
	case it.Status == http.StatusNotFound && action == "delete":
		r.Outcome = types.Accepted
	case it.Status == http.StatusTooManyRequests || it.Status >= 500:
		r.Outcome = types.TransientFailure
	case it.Status == http.StatusRequestEntityTooLarge:
		r.Outcome, r.Category = types.PermanentFailure, types.CategoryRejected
	default:
		r.Outcome, r.Category = types.PermanentFailure, types.CategoryValidation
	}
	return r
}

// Ping checks that the cluster answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.client.Do(ctx, opensearchapi.PingReq{}, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch ping returned %d", resp.StatusCode)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
