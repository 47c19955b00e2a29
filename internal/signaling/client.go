// Package signaling exchanges the SDP offer for an answer with the pull
// signaling server, either as a JSON request or as a WHIP-style plain SDP
// POST.
package signaling

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/rtd/stream"
)

// Mode selects the request format.
type Mode int

const (
	// ModeJSON posts a JSON envelope carrying the offer and reads the answer
	// from the "jsep" object of the response.
	ModeJSON Mode = iota
	// ModeWHIP posts the raw offer as application/sdp and expects 201 with
	// the answer as the body.
	ModeWHIP
)

const (
	DefaultTimeout    = 5 * time.Second
	DefaultSDKVersion = "1.2.0"

	protocolVersion = 1
	maxResponseSize = 1 << 20
)

// ErrEmptyAnswer is returned when the server reports success without an
// answer SDP.
var ErrEmptyAnswer = errors.New("signaling: empty answer")

// Config configures a Client.
type Config struct {
	Endpoint   string
	AppKey     string
	SDKVersion string
	Mode       Mode
	Timeout    time.Duration
}

// Request is the JSON envelope sent in ModeJSON.
type Request struct {
	Version    int        `json:"version"`
	AppKey     string     `json:"appkey"`
	SDKVersion string     `json:"sdk_version"`
	Mode       string     `json:"mode"`
	PullStream PullStream `json:"pull_stream"`
	JSEP       JSEP       `json:"jsep"`
}

// PullStream identifies the requested stream and, in responses, the
// server-assigned channel and user ids.
type PullStream struct {
	URL string `json:"url,omitempty"`
	CID string `json:"cid,omitempty"`
	UID string `json:"uid,omitempty"`
}

// JSEP carries a session description.
type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Response is the JSON reply in ModeJSON.
type Response struct {
	Code       int        `json:"code"`
	ErrMsg     string     `json:"err_msg,omitempty"`
	TraceID    string     `json:"trace_id,omitempty"`
	PullStream PullStream `json:"pull_stream"`
	JSEP       JSEP       `json:"jsep"`
}

// Result is a successful exchange.
type Result struct {
	AnswerSDP string
	RequestID string
	TraceID   string
	CID       string
	UID       string
}

// Client performs offer/answer exchanges. It holds no global state; the
// caller owns its lifetime.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New creates a client for cfg.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SDKVersion == "" {
		cfg.SDKVersion = DefaultSDKVersion
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{},
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "signaling")
	return c
}

// NewHTTP3Client returns an HTTP client that speaks HTTP/3 over QUIC, for
// signaling servers reachable only over UDP. Close the returned transport
// when done.
func NewHTTP3Client(tlsConf *tls.Config) (*http.Client, *http3.Transport) {
	tr := &http3.Transport{
		TLSClientConfig: tlsConf,
		QUICConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
	}
	return &http.Client{Transport: tr}, tr
}

// Exchange sends offerSDP for streamURL and returns the answer. Server
// rejections are reported as the matching stream sentinel errors so that
// stream.StatusOf yields the right result code.
func (c *Client) Exchange(ctx context.Context, streamURL, offerSDP string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	requestID := uuid.NewString()
	log := c.log.With("requestId", requestID, "url", streamURL)

	var (
		res *Result
		err error
	)
	if c.cfg.Mode == ModeWHIP {
		res, err = c.exchangeWHIP(ctx, streamURL, offerSDP, requestID)
	} else {
		res, err = c.exchangeJSON(ctx, streamURL, offerSDP, requestID)
	}
	if err != nil {
		log.Error("signaling exchange failed", "error", err)
		return nil, err
	}
	res.RequestID = requestID
	log.Info("signaling exchange succeeded", "traceId", res.TraceID, "cid", res.CID, "uid", res.UID)
	return res, nil
}

func (c *Client) exchangeJSON(ctx context.Context, streamURL, offerSDP, requestID string) (*Result, error) {
	body, err := json.Marshal(Request{
		Version:    protocolVersion,
		AppKey:     c.cfg.AppKey,
		SDKVersion: c.cfg.SDKVersion,
		Mode:       "live",
		PullStream: PullStream{URL: streamURL},
		JSEP:       JSEP{Type: "offer", SDP: offerSDP},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", stream.ErrParamsIllegal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("RequestId", requestID)

	status, content, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %w", status, codeError(status))
	}

	var resp Response
	if err := json.Unmarshal(content, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w: %w", stream.ErrServerConnectionFailed, err)
	}
	if resp.Code != http.StatusOK {
		return nil, fmt.Errorf("server code %d %q: %w", resp.Code, resp.ErrMsg, codeError(resp.Code))
	}
	if resp.JSEP.SDP == "" {
		return nil, ErrEmptyAnswer
	}
	return &Result{
		AnswerSDP: resp.JSEP.SDP,
		TraceID:   resp.TraceID,
		CID:       resp.PullStream.CID,
		UID:       resp.PullStream.UID,
	}, nil
}

func (c *Client) exchangeWHIP(ctx context.Context, streamURL, offerSDP, requestID string) (*Result, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", stream.ErrParamsIllegal, err)
	}
	q := u.Query()
	q.Set("streamUri", streamURL)
	q.Set("appkey", c.cfg.AppKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader([]byte(offerSDP)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", stream.ErrParamsIllegal, err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("RequestId", requestID)

	status, content, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("http status %d: %w", status, codeError(status))
	}
	if len(content) == 0 {
		return nil, ErrEmptyAnswer
	}
	return &Result{AnswerSDP: string(content)}, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, fmt.Errorf("%w: %w", stream.ErrConnectionTimeout, err)
		}
		return 0, nil, fmt.Errorf("%w: %w", stream.ErrServerConnectionFailed, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w: %w", stream.ErrServerConnectionFailed, err)
	}
	return resp.StatusCode, content, nil
}

// codeError maps a server or HTTP status code to a stream error.
func codeError(code int) error {
	switch code {
	case http.StatusForbidden, http.StatusUnauthorized:
		return stream.ErrAuthFailed
	case http.StatusNotFound:
		return stream.ErrStreamNotFound
	case http.StatusRequestURITooLong: // 414: app key rejected
		return stream.ErrAppKeyIllegal
	case http.StatusBadRequest:
		return stream.ErrParamsIllegal
	}
	return stream.ErrServerConnectionFailed
}
