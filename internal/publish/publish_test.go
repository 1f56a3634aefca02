package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/sensorpress/internal/cms"
	"github.com/ppiankov/sensorpress/internal/config"
	"github.com/ppiankov/sensorpress/internal/fault"
	"github.com/ppiankov/sensorpress/internal/privacy"
	"github.com/ppiankov/sensorpress/internal/source"
)

// memStore is an in-memory cms.ContentStore that records calls.
type memStore struct {
	posts  []cms.Post // newest first
	bodies map[string]string
	tags   []cms.Tag
	images map[string]string
	nextID int

	calls      []string
	failCreate error
	failUpload error
}

func newMemStore() *memStore {
	return &memStore{bodies: map[string]string{}, images: map[string]string{}}
}

func (m *memStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s%d", prefix, m.nextID)
}

func (m *memStore) ListPosts(_ context.Context, opts cms.ListOptions) (cms.PostPage, error) {
	var out []cms.Post
	for _, p := range m.posts {
		if opts.Tag == "" {
			out = append(out, p)
			continue
		}
		for _, t := range p.Tags {
			if cms.Slugify(t) == cms.Slugify(opts.Tag) {
				out = append(out, p)
				break
			}
		}
	}
	return cms.PostPage{Posts: out, Page: 1, Pages: 1}, nil
}

func (m *memStore) CreatePost(_ context.Context, in cms.PostInput) (cms.Post, error) {
	m.calls = append(m.calls, "create:"+in.Title)
	if m.failCreate != nil {
		return cms.Post{}, m.failCreate
	}
	p := cms.Post{ID: m.id("p"), Title: in.Title, Excerpt: in.Excerpt, Tags: in.Tags, FeatureImage: in.FeatureImage}
	m.posts = append([]cms.Post{p}, m.posts...)
	m.bodies[p.ID] = in.Markdown
	return p, nil
}

func (m *memStore) DeletePost(_ context.Context, id string) error {
	m.calls = append(m.calls, "delete:"+id)
	for i, p := range m.posts {
		if p.ID == id {
			m.posts = append(m.posts[:i], m.posts[i+1:]...)
			return nil
		}
	}
	return fault.StoreErr("delete post", id, cms.ErrNotFound)
}

func (m *memStore) ListTags(context.Context) ([]cms.Tag, error) {
	return append([]cms.Tag(nil), m.tags...), nil
}

func (m *memStore) GetTag(_ context.Context, id string) (cms.Tag, error) {
	for _, t := range m.tags {
		if t.ID == id {
			return t, nil
		}
	}
	return cms.Tag{}, cms.ErrNotFound
}

func (m *memStore) CreateTag(_ context.Context, in cms.TagInput) (cms.Tag, error) {
	m.calls = append(m.calls, "tag:"+in.Name)
	t := cms.Tag{ID: m.id("t"), Name: in.Name, Slug: cms.Slugify(in.Name), Description: in.Description, Image: in.Image}
	m.tags = append(m.tags, t)
	return t, nil
}

func (m *memStore) DeleteTag(_ context.Context, id string) error {
	m.calls = append(m.calls, "deltag:"+id)
	for i, t := range m.tags {
		if t.ID == id {
			m.tags = append(m.tags[:i], m.tags[i+1:]...)
			return nil
		}
	}
	return cms.ErrNotFound
}

func (m *memStore) UploadImage(_ context.Context, name string, r io.Reader) (string, error) {
	if m.failUpload != nil {
		return "", m.failUpload
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	u := "/content/images/" + name
	m.images[u] = string(data)
	return u, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

type testSource struct {
	name, about, image string
}

func (s testSource) Name() string                                              { return s.name }
func (s testSource) About() string                                             { return s.about }
func (s testSource) FeaturedImage() string                                     { return s.image }
func (s testSource) Ready(context.Context) bool                                { return true }
func (s testSource) FetchAll(context.Context) ([]source.Record, error)         { return nil, nil }
func (s testSource) FetchNew(context.Context, string) ([]source.Record, error) { return nil, nil }

func rec(k, caption string) source.Record {
	return source.Record{K: k, Caption: caption, Summary: "summary of " + caption}
}

func TestPublish_CreatesPostAndTag(t *testing.T) {
	st := newMemStore()
	p := New(st, Options{})
	src := testSource{name: "hn", about: "Top stories"}

	r := rec("1", "Hello")
	r.Story = "Long **story**"
	r.Origin = "https://example.com/hello"
	if err := p.Publish(context.Background(), src, r); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(st.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(st.posts))
	}
	post := st.posts[0]
	if post.Title != "Hello" || post.Excerpt != "summary of Hello" || post.PrimaryTag() != "hn" {
		t.Errorf("post = %+v", post)
	}
	if want := "Long **story**\n\n[Original Source](https://example.com/hello)"; st.bodies[post.ID] != want {
		t.Errorf("body = %q, want %q", st.bodies[post.ID], want)
	}
	if len(st.tags) != 1 || st.tags[0].Description != "Top stories" {
		t.Errorf("tags = %+v", st.tags)
	}
	if s := p.Stats(); s.Created != 1 || s.Deleted != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPublish_StoryDefaultsToSummary(t *testing.T) {
	st := newMemStore()
	p := New(st, Options{})
	if err := p.Publish(context.Background(), testSource{name: "hn"}, rec("1", "A")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if body := st.bodies[st.posts[0].ID]; body != "summary of A" {
		t.Errorf("body = %q", body)
	}
}

func TestPublish_Idempotent(t *testing.T) {
	st := newMemStore()
	p := New(st, Options{})
	src := testSource{name: "hn"}
	ctx := context.Background()

	for range 3 {
		if err := p.Publish(ctx, src, rec("1", "Same")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if len(st.posts) != 1 {
		t.Fatalf("live posts = %d, want 1", len(st.posts))
	}
	if s := p.Stats(); s.Created != 3 || s.Deleted != 2 {
		t.Errorf("stats = %+v, want 3 created 2 deleted", s)
	}
	if n := strings.Count(strings.Join(st.calls, " "), "tag:"); n != 1 {
		t.Errorf("tag created %d times", n)
	}
}

func TestPublish_DedupComparesTruncatedFields(t *testing.T) {
	st := newMemStore()
	p := New(st, Options{})
	src := testSource{name: "hn"}
	ctx := context.Background()

	long := strings.Repeat("t", cms.MaxTitle+20)
	first := source.Record{K: "1", Caption: long, Summary: strings.Repeat("s", cms.MaxExcerpt+5)}
	second := first
	second.Caption = long + " with a different tail"
	second.Summary = first.Summary + "more"

	if err := p.Publish(ctx, src, first); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := p.Publish(ctx, src, second); err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(st.posts) != 1 {
		t.Errorf("posts = %d, want 1", len(st.posts))
	}
}

func TestPublish_DedupScopedToPrimaryTag(t *testing.T) {
	st := newMemStore()
	st.posts = []cms.Post{{ID: "x", Title: "Same", Excerpt: "summary of Same", Tags: []string{"other", "hn"}}}
	p := New(st, Options{})

	if err := p.Publish(context.Background(), testSource{name: "hn"}, rec("1", "Same")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(st.posts) != 2 {
		t.Errorf("post of another source was deleted")
	}
}

func TestPublish_InvalidRecordSkipped(t *testing.T) {
	st := newMemStore()
	p := New(st, Options{})

	for _, r := range []source.Record{
		{Caption: "no key", Summary: "s"},
		{K: "1", Summary: "no caption"},
		{K: "2", Caption: "no summary"},
	} {
		if err := p.Publish(context.Background(), testSource{name: "hn"}, r); err != nil {
			t.Fatalf("publish(%+v) = %v, want nil", r, err)
		}
	}
	if len(st.calls) != 0 {
		t.Errorf("store called for invalid records: %v", st.calls)
	}
	if p.Stats().Skipped != 3 {
		t.Errorf("skipped = %d", p.Stats().Skipped)
	}
}

func TestPublish_Redacts(t *testing.T) {
	st := newMemStore()
	r, err := privacy.New(config.RedactConfig{Enabled: true, Patterns: []string{`secret-\w+`}})
	if err != nil {
		t.Fatalf("redactor: %v", err)
	}
	p := New(st, Options{Redactor: r})

	if err := p.Publish(context.Background(), testSource{name: "hn"}, rec("1", "leak secret-abc")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if st.posts[0].Title != "leak [REDACTED]" {
		t.Errorf("title = %q", st.posts[0].Title)
	}
}

func TestPublish_RemoteImage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "image-bytes")
	}))
	t.Cleanup(ts.Close)

	st := newMemStore()
	p := New(st, Options{HTTPClient: ts.Client()})
	ctx := context.Background()

	ok := rec("1", "With image")
	ok.Img = ts.URL + "/pics/chart.png"
	if err := p.Publish(ctx, testSource{name: "hn"}, ok); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if st.posts[0].FeatureImage != "/content/images/chart.png" || st.images["/content/images/chart.png"] != "image-bytes" {
		t.Errorf("feature image = %q, images = %v", st.posts[0].FeatureImage, st.images)
	}

	bad := rec("2", "Broken image")
	bad.Img = ts.URL + "/missing.png"
	if err := p.Publish(ctx, testSource{name: "hn"}, bad); err != nil {
		t.Fatalf("publish with broken image: %v", err)
	}
	if st.posts[0].FeatureImage != "" {
		t.Errorf("broken image should be dropped, got %q", st.posts[0].FeatureImage)
	}
	if p.Stats().ImagesFailed != 1 {
		t.Errorf("images failed = %d", p.Stats().ImagesFailed)
	}
}

func TestPublish_LocalImageAndTagImage(t *testing.T) {
	dir := t.TempDir()
	logo := filepath.Join(dir, "logo.png")
	if err := os.WriteFile(logo, []byte("logo"), 0o644); err != nil {
		t.Fatalf("write logo: %v", err)
	}

	st := newMemStore()
	p := New(st, Options{})
	r := rec("1", "Local")
	r.Img = logo
	if err := p.Publish(context.Background(), testSource{name: "stocks", image: logo, about: strings.Repeat("a", 600)}, r); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if st.tags[0].Image != "/content/images/logo.png" {
		t.Errorf("tag image = %q", st.tags[0].Image)
	}
	if n := len([]rune(st.tags[0].Description)); n != cms.MaxTagDescription {
		t.Errorf("tag description length = %d", n)
	}
	if st.posts[0].FeatureImage != "/content/images/logo.png" {
		t.Errorf("feature image = %q", st.posts[0].FeatureImage)
	}
}

func TestPublish_UploadFailureNonFatal(t *testing.T) {
	st := newMemStore()
	st.failUpload = fault.StoreErr("upload image", "x", errors.New("too large"))
	p := New(st, Options{})

	img := filepath.Join(t.TempDir(), "big.png")
	if err := os.WriteFile(img, []byte("x"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	r := rec("1", "A")
	r.Img = img
	if err := p.Publish(context.Background(), testSource{name: "hn"}, r); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(st.posts) != 1 || st.posts[0].FeatureImage != "" {
		t.Fatalf("posts = %+v, want one post without image", st.posts)
	}
}

func TestPublish_StoreFailureSurfaced(t *testing.T) {
	st := newMemStore()
	st.failCreate = fault.StoreErr("create post", "A", errors.New("422"))
	p := New(st, Options{})

	err := p.Publish(context.Background(), testSource{name: "hn"}, rec("1", "A"))
	if fault.KindOf(err) != fault.Store {
		t.Fatalf("err = %v, want store fault", err)
	}
	if p.Stats().Created != 0 {
		t.Error("failed create counted")
	}
}

func TestPurge(t *testing.T) {
	st := newMemStore()
	p := New(st, Options{})
	ctx := context.Background()

	for i, name := range []string{"hn", "hn", "reddit"} {
		if err := p.Publish(ctx, testSource{name: name}, rec(fmt.Sprint(i), fmt.Sprintf("post %d", i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	st.calls = nil

	n, err := p.Purge(ctx, "hn")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
	if len(st.posts) != 1 || st.posts[0].PrimaryTag() != "reddit" {
		t.Errorf("remaining posts = %+v", st.posts)
	}
	if last := st.calls[len(st.calls)-1]; !strings.HasPrefix(last, "deltag:") {
		t.Errorf("tag not deleted last: %v", st.calls)
	}

	// Purging again is a no-op.
	n, err = p.Purge(ctx, "hn")
	if err != nil || n != 0 {
		t.Errorf("second purge = %d, %v", n, err)
	}
}

func TestPurgeAll_PostsBeforeTags(t *testing.T) {
	st := newMemStore()
	p := New(st, Options{})
	ctx := context.Background()

	for i, name := range []string{"a", "b"} {
		if err := p.Publish(ctx, testSource{name: name}, rec(fmt.Sprint(i), name)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	st.calls = nil

	n, err := p.PurgeAll(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("purge all: %v", err)
	}
	if n != 2 || len(st.posts) != 0 || len(st.tags) != 0 {
		t.Fatalf("n=%d posts=%d tags=%d", n, len(st.posts), len(st.tags))
	}
	want := []string{"delete:", "delete:", "deltag:", "deltag:"}
	for i, prefix := range want {
		if !strings.HasPrefix(st.calls[i], prefix) {
			t.Fatalf("calls = %v, want posts deleted before tags", st.calls)
		}
	}

	// A purged tag is recreated on the next publish.
	if err := p.Publish(ctx, testSource{name: "a"}, rec("9", "again")); err != nil {
		t.Fatalf("publish after purge: %v", err)
	}
	if len(st.tags) != 1 {
		t.Errorf("tag not recreated")
	}
}

func TestPurge_OnlyPrimaryTag(t *testing.T) {
	st := newMemStore()
	p := New(st, Options{})
	ctx := context.Background()

	if err := p.Publish(ctx, testSource{name: "hn"}, rec("1", "own")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	st.posts = append(st.posts, cms.Post{ID: "x1", Title: "crosspost", Tags: []string{"reddit", "HN"}})

	n, err := p.Purge(ctx, "hn")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if len(st.posts) != 1 || st.posts[0].ID != "x1" {
		t.Errorf("remaining posts = %+v, want the reddit post kept", st.posts)
	}
}

func TestPurgeEverything(t *testing.T) {
	st := newMemStore()
	p := New(st, Options{})
	ctx := context.Background()

	if err := p.Publish(ctx, testSource{name: "a"}, rec("1", "registered")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	st.tags = append(st.tags, cms.Tag{ID: "old", Name: "retired", Slug: "retired"})
	st.posts = append(st.posts,
		cms.Post{ID: "r1", Title: "left behind", Tags: []string{"retired"}},
		cms.Post{ID: "u1", Title: "untagged"},
	)
	st.calls = nil

	n, err := p.PurgeEverything(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("purge everything: %v", err)
	}
	if n != 3 || len(st.posts) != 0 {
		t.Fatalf("purged %d, %d posts left, want 3 and 0", n, len(st.posts))
	}
	if len(st.tags) != 0 {
		t.Errorf("tags left: %+v", st.tags)
	}
	for i, prefix := range []string{"delete:", "delete:", "delete:", "deltag:", "deltag:"} {
		if !strings.HasPrefix(st.calls[i], prefix) {
			t.Fatalf("calls = %v, want posts deleted before tags", st.calls)
		}
	}
	if p.Stats().Deleted != 3 {
		t.Errorf("stats deleted = %d", p.Stats().Deleted)
	}
}

func TestStatsAdd(t *testing.T) {
	s := Stats{Created: 1, Deleted: 2}
	s.Add(Stats{Created: 3, Skipped: 1, ImagesFailed: 4})
	if s != (Stats{Created: 4, Deleted: 2, Skipped: 1, ImagesFailed: 4}) {
		t.Errorf("stats = %+v", s)
	}
}
