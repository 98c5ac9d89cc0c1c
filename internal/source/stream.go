package source

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tweetgraph/internal/logging"
	"tweetgraph/internal/metrics"
)

const filterEndpoint = "https://stream.twitter.com/1.1/statuses/filter.json"

// Credentials are the OAuth 1.0a user-context keys for the v1.1 stream.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	AccessToken    string
	AccessSecret   string
}

// Stream is the v1.1 filter stream as a Source. It reconnects with backoff when the
// connection drops and can tee every raw status into bucket files.
type Stream struct {
	endpoint    string
	creds       Credentials
	track       []string
	languages   []string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
	nowFn       func() time.Time
	nonceFn     func() string

	capture *BucketWriter
	resp    *http.Response
	r       *bufio.Reader
}

func NewStream(creds Credentials, track, languages []string) *Stream {
	return &Stream{
		endpoint:    filterEndpoint,
		creds:       creds,
		track:       track,
		languages:   languages,
		httpClient:  &http.Client{},
		limiter:     newDefaultLimiter(),
		maxAttempts: getEnvInt("X_API_MAX_ATTEMPTS", 5),
		baseBackoff: time.Duration(getEnvInt("X_API_BASE_BACKOFF_MS", 500)) * time.Millisecond,
		nowFn:       time.Now,
		nonceFn:     func() string { return strconv.FormatInt(rand.Int63(), 36) },
	}
}

// Capture appends every raw status line to w before it is decoded.
func (s *Stream) Capture(w *BucketWriter) { s.capture = w }

// Next blocks until the next status or deletion notice arrives. Keep-alive newlines and
// control messages (limit notices, warnings) are skipped.
func (s *Stream) Next(ctx context.Context) (Envelope, error) {
	for {
		if s.r == nil {
			if err := s.connect(ctx); err != nil {
				return Envelope{}, err
			}
		}
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			s.disconnect()
			if ctx.Err() != nil {
				return Envelope{}, ctx.Err()
			}
			logging.Warn("stream_disconnected", map[string]any{"error": err.Error()})
			metrics.IncAPIRetry("statuses/filter")
			continue
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		rec, derr := Decode(line)
		if derr != nil {
			return Envelope{}, &DecodeError{Origin: "stream", Data: line, Err: derr}
		}
		if _, ok := rec["user"]; !ok {
			if _, ok := rec["delete"]; !ok {
				logging.Debug("stream_control_message", map[string]any{"message": string(line)})
				continue
			}
		}
		origin := "stream"
		if s.capture != nil {
			name, err := s.capture.Write(line)
			if err != nil {
				return Envelope{}, fmt.Errorf("capture: %w", err)
			}
			origin = name
		}
		return Envelope{Record: rec, Origin: origin}, nil
	}
}

func (s *Stream) Close() error {
	s.disconnect()
	return nil
}

func (s *Stream) disconnect() {
	if s.resp != nil {
		_ = s.resp.Body.Close()
	}
	s.resp, s.r = nil, nil
}

func (s *Stream) connect(ctx context.Context) error {
	params := map[string]string{}
	if len(s.track) > 0 {
		params["track"] = strings.Join(s.track, ",")
	}
	if len(s.languages) > 0 {
		params["language"] = strings.Join(s.languages, ",")
	}
	body := encodeQuery(params)
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", oauth1Header(http.MethodPost, req.URL, params, s.creds,
			strconv.FormatInt(s.nowFn().Unix(), 10), s.nonceFn()))
		return req, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := s.doWithRetry(ctx, build)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return fmt.Errorf("x stream status %d", resp.StatusCode)
	}
	s.resp, s.r = resp, bufio.NewReaderSize(resp.Body, 64*1024)
	logging.Info("stream_connected", map[string]any{"track": params["track"], "language": params["language"]})
	return nil
}

// doWithRetry retries 420, 429 and 5xx answers and transport errors, honouring Retry-After.
// Each attempt builds a freshly signed request.
func (s *Stream) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	backoff := s.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := s.httpClient.Do(req)
		if err == nil {
			if !retryable(resp.StatusCode) {
				return resp, nil
			}
			wait := retryAfter(resp.Header.Get("Retry-After"), backoff)
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("x stream status %d", resp.StatusCode)
			if attempt == s.maxAttempts {
				break
			}
			metrics.IncAPIRetry("statuses/filter")
			select {
			case <-time.After(jitter(wait)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
			continue
		}
		lastErr = err
		if attempt == s.maxAttempts {
			break
		}
		metrics.IncAPIRetry("statuses/filter")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %v", s.maxAttempts, lastErr)
}

func retryable(code int) bool {
	return code == 420 || code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

func retryAfter(h string, def time.Duration) time.Duration {
	if h == "" {
		return def
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return def
}

// jitter spreads wait by +/-20%.
func jitter(wait time.Duration) time.Duration {
	j := time.Duration(float64(wait) * 0.2)
	if j <= 0 {
		return wait
	}
	return wait - j + time.Duration(rand.Int63n(int64(2*j)))
}

// oauth1Header signs method+URL+params with HMAC-SHA1 and returns the Authorization value.
// params holds query and form body parameters.
func oauth1Header(method string, u *url.URL, params map[string]string, c Credentials, timestamp, nonce string) string {
	oauth := map[string]string{
		"oauth_consumer_key":     c.ConsumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        timestamp,
		"oauth_token":            c.AccessToken,
		"oauth_version":          "1.0",
	}
	all := map[string]string{}
	for k, v := range oauth {
		all[k] = v
	}
	for k, v := range params {
		all[k] = v
	}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			all[k] = vs[0]
		}
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, rfc3986(k)+"="+rfc3986(all[k]))
	}
	baseURL := u.Scheme + "://" + u.Host + u.Path
	base := strings.ToUpper(method) + "&" + rfc3986(baseURL) + "&" + rfc3986(strings.Join(parts, "&"))
	mac := hmac.New(sha1.New, []byte(rfc3986(c.ConsumerSecret)+"&"+rfc3986(c.AccessSecret)))
	_, _ = mac.Write([]byte(base))
	oauth["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	hdrKeys := make([]string, 0, len(oauth))
	for k := range oauth {
		hdrKeys = append(hdrKeys, k)
	}
	sort.Strings(hdrKeys)
	authParts := make([]string, 0, len(hdrKeys))
	for _, k := range hdrKeys {
		authParts = append(authParts, fmt.Sprintf("%s=\"%s\"", rfc3986(k), rfc3986(oauth[k])))
	}
	return "OAuth " + strings.Join(authParts, ", ")
}

func encodeQuery(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, rfc3986(k)+"="+rfc3986(m[k]))
	}
	return strings.Join(parts, "&")
}

// RFC 3986 percent-encoding for OAuth
func rfc3986(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(url.QueryEscape(s), "+", "%20"), "*", "%2A")
}

// newDefaultLimiter paces (re)connects, with env overrides.
func newDefaultLimiter() *rate.Limiter {
	rps := 2.0
	burst := 10
	if v := os.Getenv("X_API_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			rps = f
		}
	}
	if v := os.Getenv("X_API_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			burst = n
		}
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil && i > 0 {
		return i
	}
	return def
}
