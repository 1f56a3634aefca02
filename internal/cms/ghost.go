package cms

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/ppiankov/sensorpress/internal/config"
	"github.com/ppiankov/sensorpress/internal/fault"
	"github.com/ppiankov/sensorpress/internal/logging"
)

const (
	ghostAdminPath    = "/ghost/api/admin"
	ghostAcceptVer    = "v5.0"
	ghostTokenTTL     = 5 * time.Minute
	ghostAudience     = "/admin/"
	ghostTimeout      = 30 * time.Second
	ghostMaxImage     = 20 << 20
	ghostMaxRetries   = 3
	ghostRetryBase    = 500 * time.Millisecond
	ghostRetryMax     = 10 * time.Second
	mobiledocVersion  = "0.3.1"
	ghostPostFields   = "id,title,custom_excerpt,feature_image,created_at"
	ghostErrBodyLimit = 4 << 10
)

// APIError is a non-success response from the Ghost Admin API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ghost returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("ghost returned status %d: %s", e.StatusCode, e.Message)
}

// Ghost is a ContentStore backed by the Ghost Admin API.
type Ghost struct {
	baseURL  string
	keyID    string
	secret   []byte
	client   *http.Client
	limiter  *rate.Limiter
	executor failsafe.Executor[*http.Response]
	log      *log.Logger
	now      func() time.Time
}

// GhostOption customizes a Ghost client.
type GhostOption func(*Ghost)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) GhostOption {
	return func(g *Ghost) {
		if c != nil {
			g.client = c
		}
	}
}

// WithRetry replaces the retry policy.
func WithRetry(maxRetries int, base, maxDelay time.Duration) GhostOption {
	return func(g *Ghost) {
		g.executor = newGhostExecutor(maxRetries, base, maxDelay)
	}
}

// NewGhost creates a Ghost Admin API client. The admin key has the form
// "<id>:<hex secret>".
func NewGhost(cfg config.GhostConfig, logger *log.Logger, opts ...GhostOption) (*Ghost, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fault.ConfigErr("ghost", fmt.Errorf("invalid url %q", cfg.URL))
	}

	id, secretHex, ok := strings.Cut(cfg.AdminKey, ":")
	if !ok || id == "" || secretHex == "" {
		return nil, fault.ConfigErr("ghost", errors.New("admin key must have the form id:secret"))
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fault.ConfigErr("ghost", fmt.Errorf("admin key secret is not hex: %w", err))
	}

	if logger == nil {
		logger = logging.Discard()
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = config.DefaultGhostRPS
	}

	g := &Ghost{
		baseURL:  strings.TrimRight(u.String(), "/"),
		keyID:    id,
		secret:   secret,
		client:   &http.Client{Timeout: ghostTimeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		executor: newGhostExecutor(ghostMaxRetries, ghostRetryBase, ghostRetryMax),
		log:      logger.WithPrefix("ghost"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// shouldRetry retries network errors, rate limiting and server errors.
func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

//nolint:bodyclose // *http.Response is a type parameter here
func newGhostExecutor(maxRetries int, base, maxDelay time.Duration) failsafe.Executor[*http.Response] {
	if maxDelay < base {
		maxDelay = base
	}
	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(base, maxDelay).
		WithMaxRetries(maxRetries).
		WithJitterFactor(0.1).
		HandleIf(shouldRetry).
		Build()
	return failsafe.With(retry)
}

// token signs a short-lived Admin API JWT.
func (g *Ghost) token() (string, error) {
	now := g.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ghostTokenTTL)),
		Audience:  jwt.ClaimStrings{ghostAudience},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = g.keyID
	return tok.SignedString(g.secret)
}

type requestBody func() (io.Reader, string, error)

func jsonBody(v any) requestBody {
	return func() (io.Reader, string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func (g *Ghost) do(ctx context.Context, method, path string, query url.Values, body requestBody) (*http.Response, error) {
	endpoint := g.baseURL + ghostAdminPath + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	resp, err := g.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		token, err := g.token()
		if err != nil {
			return nil, fmt.Errorf("sign token: %w", err)
		}

		var (
			reader      io.Reader
			contentType string
		)
		if body != nil {
			reader, contentType, err = body()
			if err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Ghost "+token)
		req.Header.Set("Accept-Version", ghostAcceptVer)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := g.client.Do(req)
		if shouldRetry(resp, err) && resp != nil && resp.Body != nil {
			g.log.Debug("retrying request", "method", method, "path", path, "status", resp.StatusCode)
			_ = resp.Body.Close()
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// call performs a request and decodes a JSON response into out when non-nil.
func (g *Ghost) call(ctx context.Context, op, subject, method, path string, query url.Values, body requestBody, out any) error {
	resp, err := g.do(ctx, method, path, query, body)
	if err != nil {
		return fault.StoreErr(op, subject, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fault.ConfigErr(op, apiErr)
		case http.StatusNotFound:
			return fault.StoreErr(op, subject, fmt.Errorf("%w: %w", ErrNotFound, apiErr))
		default:
			return fault.StoreErr(op, subject, apiErr)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.StoreErr(op, subject, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func errorMessage(r io.Reader) string {
	var body struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	data, _ := io.ReadAll(io.LimitReader(r, ghostErrBodyLimit))
	if json.Unmarshal(data, &body) == nil && len(body.Errors) > 0 {
		return body.Errors[0].Message
	}
	return strings.TrimSpace(string(data))
}

type ghostTag struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	Slug         string `json:"slug,omitempty"`
	Description  string `json:"description,omitempty"`
	FeatureImage string `json:"feature_image,omitempty"`
}

func (t ghostTag) tag() Tag {
	return Tag{ID: t.ID, Name: t.Name, Slug: t.Slug, Description: t.Description, Image: t.FeatureImage}
}

type ghostPost struct {
	ID            string     `json:"id,omitempty"`
	Title         string     `json:"title"`
	CustomExcerpt string     `json:"custom_excerpt"`
	Mobiledoc     string     `json:"mobiledoc,omitempty"`
	FeatureImage  string     `json:"feature_image,omitempty"`
	Status        string     `json:"status,omitempty"`
	CreatedAt     time.Time  `json:"created_at,omitzero"`
	Tags          []ghostTag `json:"tags,omitempty"`
}

func (p ghostPost) post() Post {
	out := Post{
		ID:           p.ID,
		Title:        p.Title,
		Excerpt:      p.CustomExcerpt,
		FeatureImage: p.FeatureImage,
		CreatedAt:    p.CreatedAt,
	}
	for _, t := range p.Tags {
		out.Tags = append(out.Tags, t.Name)
	}
	return out
}

type ghostPagination struct {
	Page  int `json:"page"`
	Pages int `json:"pages"`
}

// mobiledoc wraps markdown in a single markdown card.
func mobiledoc(markdown string) (string, error) {
	doc := map[string]any{
		"version":  mobiledocVersion,
		"atoms":    []any{},
		"cards":    []any{[]any{"markdown", map[string]string{"markdown": markdown}}},
		"markups":  []any{},
		"sections": []any{[]any{10, 0}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (g *Ghost) ListPosts(ctx context.Context, opts ListOptions) (PostPage, error) {
	page := max(opts.Page, 1)
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("fields", ghostPostFields)
	q.Set("include", "tags")
	q.Set("order", "created_at desc")
	if opts.Tag != "" {
		q.Set("filter", "tag:"+Slugify(opts.Tag))
	}

	var out struct {
		Posts []ghostPost `json:"posts"`
		Meta  struct {
			Pagination ghostPagination `json:"pagination"`
		} `json:"meta"`
	}
	if err := g.call(ctx, "list posts", opts.Tag, http.MethodGet, "/posts/", q, nil, &out); err != nil {
		return PostPage{}, err
	}

	pp := PostPage{Page: out.Meta.Pagination.Page, Pages: out.Meta.Pagination.Pages}
	for _, p := range out.Posts {
		pp.Posts = append(pp.Posts, p.post())
	}
	return pp, nil
}

func (g *Ghost) CreatePost(ctx context.Context, in PostInput) (Post, error) {
	doc, err := mobiledoc(in.Markdown)
	if err != nil {
		return Post{}, fault.StoreErr("create post", in.Title, err)
	}
	status := in.Status
	if status == "" {
		status = StatusPublished
	}

	gp := ghostPost{
		Title:         in.Title,
		CustomExcerpt: in.Excerpt,
		Mobiledoc:     doc,
		FeatureImage:  in.FeatureImage,
		Status:        status,
	}
	for _, name := range in.Tags {
		gp.Tags = append(gp.Tags, ghostTag{Name: name})
	}

	var out struct {
		Posts []ghostPost `json:"posts"`
	}
	payload := map[string][]ghostPost{"posts": {gp}}
	if err := g.call(ctx, "create post", in.Title, http.MethodPost, "/posts/", nil, jsonBody(payload), &out); err != nil {
		return Post{}, err
	}
	if len(out.Posts) == 0 {
		return Post{}, fault.StoreErr("create post", in.Title, errors.New("empty response"))
	}
	return out.Posts[0].post(), nil
}

func (g *Ghost) DeletePost(ctx context.Context, id string) error {
	return g.call(ctx, "delete post", id, http.MethodDelete, "/posts/"+url.PathEscape(id)+"/", nil, nil, nil)
}

func (g *Ghost) ListTags(ctx context.Context) ([]Tag, error) {
	q := url.Values{}
	q.Set("limit", "all")

	var out struct {
		Tags []ghostTag `json:"tags"`
	}
	if err := g.call(ctx, "list tags", "", http.MethodGet, "/tags/", q, nil, &out); err != nil {
		return nil, err
	}
	tags := make([]Tag, 0, len(out.Tags))
	for _, t := range out.Tags {
		tags = append(tags, t.tag())
	}
	return tags, nil
}

func (g *Ghost) GetTag(ctx context.Context, id string) (Tag, error) {
	var out struct {
		Tags []ghostTag `json:"tags"`
	}
	if err := g.call(ctx, "get tag", id, http.MethodGet, "/tags/"+url.PathEscape(id)+"/", nil, nil, &out); err != nil {
		return Tag{}, err
	}
	if len(out.Tags) == 0 {
		return Tag{}, fault.StoreErr("get tag", id, ErrNotFound)
	}
	return out.Tags[0].tag(), nil
}

func (g *Ghost) CreateTag(ctx context.Context, in TagInput) (Tag, error) {
	payload := map[string][]ghostTag{"tags": {{
		Name:         in.Name,
		Description:  in.Description,
		FeatureImage: in.Image,
	}}}

	var out struct {
		Tags []ghostTag `json:"tags"`
	}
	if err := g.call(ctx, "create tag", in.Name, http.MethodPost, "/tags/", nil, jsonBody(payload), &out); err != nil {
		return Tag{}, err
	}
	if len(out.Tags) == 0 {
		return Tag{}, fault.StoreErr("create tag", in.Name, errors.New("empty response"))
	}
	return out.Tags[0].tag(), nil
}

func (g *Ghost) DeleteTag(ctx context.Context, id string) error {
	return g.call(ctx, "delete tag", id, http.MethodDelete, "/tags/"+url.PathEscape(id)+"/", nil, nil, nil)
}

// UploadImage buffers the image so the multipart body can be replayed on retry.
func (g *Ghost) UploadImage(ctx context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, ghostMaxImage+1))
	if err != nil {
		return "", fault.StoreErr("upload image", name, fmt.Errorf("read image: %w", err))
	}
	if len(data) > ghostMaxImage {
		return "", fault.StoreErr("upload image", name, fmt.Errorf("image exceeds %d bytes", ghostMaxImage))
	}

	body := func() (io.Reader, string, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
		h.Set("Content-Type", http.DetectContentType(data))
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
		if err := mw.WriteField("purpose", "image"); err != nil {
			return nil, "", err
		}
		if err := mw.WriteField("ref", name); err != nil {
			return nil, "", err
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
		return &buf, mw.FormDataContentType(), nil
	}

	var out struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	}
	if err := g.call(ctx, "upload image", name, http.MethodPost, "/images/upload/", nil, body, &out); err != nil {
		return "", err
	}
	if len(out.Images) == 0 || out.Images[0].URL == "" {
		return "", fault.StoreErr("upload image", name, errors.New("empty response"))
	}
	return out.Images[0].URL, nil
}

// Ping checks the site endpoint and then an authenticated listing, so a bad
// admin key surfaces as a configuration fault.
func (g *Ghost) Ping(ctx context.Context) error {
	if err := g.call(ctx, "ping", g.baseURL, http.MethodGet, "/site/", nil, nil, nil); err != nil {
		return err
	}
	q := url.Values{}
	q.Set("limit", "1")
	return g.call(ctx, "ping", g.baseURL, http.MethodGet, "/tags/", q, nil, nil)
}
