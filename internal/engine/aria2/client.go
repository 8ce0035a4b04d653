// Package aria2 drives an aria2 daemon over its JSON-RPC interface.
package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/italolelis/urlrelay/internal/engine"
	"github.com/italolelis/urlrelay/internal/logctx"
)

var statusKeys = []string{"gid", "status", "totalLength", "completedLength", "downloadSpeed", "errorCode", "errorMessage", "files"}

type Client struct {
	endpoint   string
	secret     string
	httpClient *http.Client
	seq        atomic.Uint64
}

var _ engine.Engine = (*Client)(nil)

func NewClient(endpoint, secret string) *Client {
	return &Client{
		endpoint:   endpoint,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcReq struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      string `json:"id"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResp struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type statusResult struct {
	GID             string `json:"gid"`
	Status          string `json:"status"`
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	ErrorCode       string `json:"errorCode"`
	ErrorMessage    string `json:"errorMessage"`
	Files           []struct {
		Path string `json:"path"`
	} `json:"files"`
}

// Submit queues url with aria2.addUri, saving it as dir/out, and returns the GID.
func (c *Client) Submit(ctx context.Context, url, dir, out string) (string, error) {
	opts := map[string]string{}
	if dir != "" {
		opts["dir"] = dir
	}

	if out != "" {
		opts["out"] = out
	}

	var gid string
	if err := c.call(ctx, "aria2.addUri", c.params([]string{url}, opts), &gid); err != nil {
		return "", err
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download submitted", "gid", gid, "out", out)

	return gid, nil
}

func (c *Client) Poll(ctx context.Context, gid string) (engine.Snapshot, error) {
	var res statusResult
	if err := c.call(ctx, "aria2.tellStatus", c.params(gid, statusKeys), &res); err != nil {
		return engine.Snapshot{}, err
	}

	snap := engine.Snapshot{
		Status:       engine.Status(res.Status),
		Total:        parseInt(res.TotalLength),
		Completed:    parseInt(res.CompletedLength),
		Speed:        parseInt(res.DownloadSpeed),
		ErrorMessage: res.ErrorMessage,
	}

	for _, f := range res.Files {
		if f.Path != "" {
			snap.Files = append(snap.Files, f.Path)
		}
	}

	return snap, nil
}

// Cancel force-removes the download and purges its result. With deleteFiles the
// payload files and their .aria2 control files are removed too. Unknown GIDs and
// already-stopped downloads are tolerated.
func (c *Client) Cancel(ctx context.Context, gid string, deleteFiles bool) error {
	logger := logctx.LoggerFromContext(ctx).With("gid", gid)

	var files []string

	if deleteFiles {
		snap, err := c.Poll(ctx, gid)
		if err != nil && !errors.Is(err, engine.ErrNotFound) {
			logger.WarnContext(ctx, "failed to list download files before removal", "err", err)
		}

		files = snap.Files
	}

	if err := c.call(ctx, "aria2.forceRemove", c.params(gid), nil); err != nil && !tolerable(err) {
		return err
	}

	if err := c.call(ctx, "aria2.removeDownloadResult", c.params(gid), nil); err != nil && !tolerable(err) {
		logger.DebugContext(ctx, "failed to purge download result", "err", err)
	}

	for _, f := range files {
		for _, p := range []string{f, f + ".aria2"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				logger.WarnContext(ctx, "failed to delete download file", "file", p, "err", err)
			}
		}
	}

	return nil
}

// Version is used as a readiness probe.
func (c *Client) Version(ctx context.Context) (string, error) {
	var res struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, "aria2.getVersion", c.params(), &res); err != nil {
		return "", err
	}

	return res.Version, nil
}

// params prepends the "token:<secret>" argument aria2 expects when a secret is set.
func (c *Client) params(args ...any) []any {
	out := make([]any, 0, len(args)+1)
	if c.secret != "" {
		out = append(out, "token:"+c.secret)
	}

	return append(out, args...)
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcReq{
		Jsonrpc: "2.0",
		Method:  method,
		ID:      strconv.FormatUint(c.seq.Add(1), 10),
		Params:  params,
	})
	if err != nil {
		return &engine.Error{Operation: method, Message: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &engine.Error{Operation: method, Message: "build request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &engine.Error{Operation: method, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return &engine.Error{Operation: method, Message: "read response", Err: err}
	}

	var rr rpcResp
	if err := json.Unmarshal(b, &rr); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &engine.Error{Operation: method, Message: fmt.Sprintf("http %d: %s", resp.StatusCode, string(b))}
		}

		return &engine.Error{Operation: method, Message: "decode response", Err: err}
	}

	if rr.Error != nil {
		e := &engine.Error{Operation: method, Code: rr.Error.Code, Message: rr.Error.Message}
		if strings.Contains(strings.ToLower(rr.Error.Message), "not found") {
			e.Err = engine.ErrNotFound
		}

		return e
	}

	if out == nil || len(rr.Result) == 0 {
		return nil
	}

	if err := json.Unmarshal(rr.Result, out); err != nil {
		return &engine.Error{Operation: method, Message: "decode result", Err: err}
	}

	return nil
}

// tolerable reports RPC-level refusals of a removal: the GID is gone, or the
// download already stopped and can no longer be force-removed.
func tolerable(err error) bool {
	var e *engine.Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Code != 0
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}

	return n
}
