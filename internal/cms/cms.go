// Package cms defines the content store the publisher writes to and the Ghost
// Admin API implementation of it.
package cms

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode"
)

// StatusPublished is the status of every post the publisher creates.
const StatusPublished = "published"

// ErrNotFound is returned when a post or tag does not exist.
var ErrNotFound = errors.New("not found")

// Post is a post as listed by the content store.
type Post struct {
	ID           string
	Title        string
	Excerpt      string
	Tags         []string // tag names, primary tag first
	FeatureImage string
	CreatedAt    time.Time
}

// PrimaryTag returns the first tag name, or "".
func (p Post) PrimaryTag() string {
	if len(p.Tags) == 0 {
		return ""
	}
	return p.Tags[0]
}

// PostInput is a post to create.
type PostInput struct {
	Title        string
	Excerpt      string
	Markdown     string
	Tags         []string
	FeatureImage string
	Status       string
}

// Tag is a post category.
type Tag struct {
	ID          string
	Name        string
	Slug        string
	Description string
	Image       string
}

// TagInput is a tag to create.
type TagInput struct {
	Name        string
	Description string
	Image       string
}

// ListOptions filters and pages ListPosts. Tag filters by tag name.
type ListOptions struct {
	Tag   string
	Page  int
	Limit int
}

// PostPage is one page of posts. Pages is the total page count.
type PostPage struct {
	Posts []Post
	Page  int
	Pages int
}

// ContentStore is the publishing back end.
type ContentStore interface {
	ListPosts(ctx context.Context, opts ListOptions) (PostPage, error)
	CreatePost(ctx context.Context, in PostInput) (Post, error)
	DeletePost(ctx context.Context, id string) error

	ListTags(ctx context.Context) ([]Tag, error)
	GetTag(ctx context.Context, id string) (Tag, error)
	CreateTag(ctx context.Context, in TagInput) (Tag, error)
	DeleteTag(ctx context.Context, id string) error

	// UploadImage stores the image read from r and returns its public URL.
	UploadImage(ctx context.Context, name string, r io.Reader) (string, error)

	// Ping verifies the store is reachable and the credentials are accepted.
	Ping(ctx context.Context) error
}

// DefaultPageLimit is the page size used when walking all posts.
const DefaultPageLimit = 100

// AllPosts walks every page of ListPosts for tag ("" for all posts).
func AllPosts(ctx context.Context, cs ContentStore, tag string) ([]Post, error) {
	var out []Post
	for page := 1; ; page++ {
		pp, err := cs.ListPosts(ctx, ListOptions{Tag: tag, Page: page, Limit: DefaultPageLimit})
		if err != nil {
			return nil, err
		}
		out = append(out, pp.Posts...)
		if page >= pp.Pages || len(pp.Posts) == 0 {
			return out, nil
		}
	}
}

// FindTag returns the tag whose name matches name case-insensitively.
func FindTag(ctx context.Context, cs ContentStore, name string) (Tag, bool, error) {
	tags, err := cs.ListTags(ctx)
	if err != nil {
		return Tag{}, false, err
	}
	for _, t := range tags {
		if strings.EqualFold(t.Name, name) {
			return t, true, nil
		}
	}
	return Tag{}, false, nil
}

// Slugify lowercases name and joins its alphanumeric runs with hyphens.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}
