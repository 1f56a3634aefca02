// Package publish writes records to the content store without duplicating
// posts, and removes a source's posts and tag on request.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ppiankov/sensorpress/internal/cms"
	"github.com/ppiankov/sensorpress/internal/fault"
	"github.com/ppiankov/sensorpress/internal/logging"
	"github.com/ppiankov/sensorpress/internal/privacy"
	"github.com/ppiankov/sensorpress/internal/source"
)

const imageTimeout = 30 * time.Second

// Stats counts what the publisher did.
type Stats struct {
	Created      int
	Deleted      int
	Skipped      int
	ImagesFailed int
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Created += o.Created
	s.Deleted += o.Deleted
	s.Skipped += o.Skipped
	s.ImagesFailed += o.ImagesFailed
}

type Options struct {
	Redactor   *privacy.Redactor
	HTTPClient *http.Client
	Log        *log.Logger
}

// Publisher creates posts in a content store. It is not safe for concurrent use.
type Publisher struct {
	store  cms.ContentStore
	redact *privacy.Redactor
	client *http.Client
	log    *log.Logger

	tags  map[string]cms.Tag
	stats Stats
}

func New(store cms.ContentStore, opts Options) *Publisher {
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: imageTimeout}
	}
	return &Publisher{
		store:  store,
		redact: opts.Redactor,
		client: opts.HTTPClient,
		log:    opts.Log.WithPrefix("publish"),
		tags:   make(map[string]cms.Tag),
	}
}

// Stats returns the counters accumulated so far.
func (p *Publisher) Stats() Stats { return p.stats }

// Publish creates a post for rec under the tag named after src. Posts of the
// same source with the same truncated title and excerpt are deleted first.
// An invalid record is logged and skipped without error.
func (p *Publisher) Publish(ctx context.Context, src source.Source, rec source.Record) error {
	name := src.Name()
	rec = p.redact.Record(rec)
	if err := rec.Validate(); err != nil {
		p.log.Warn("skipping record", "source", name, "err", err)
		p.stats.Skipped++
		return nil
	}

	title := cms.TruncateTitle(rec.Caption)
	excerpt := cms.TruncateExcerpt(rec.Summary)

	if err := p.deleteDuplicates(ctx, name, title, excerpt); err != nil {
		return err
	}

	if _, err := p.ensureTag(ctx, src); err != nil {
		return err
	}

	var feature string
	if rec.Img != "" {
		u, err := p.uploadImage(ctx, rec.Img)
		if err != nil {
			if fault.IsFatal(err) {
				return err
			}
			p.log.Warn("publishing without image", "source", name, "image", rec.Img, "err", err)
			p.stats.ImagesFailed++
		} else {
			feature = u
		}
	}

	markdown := rec.StoryOrSummary()
	if rec.Origin != "" {
		markdown += "\n\n[Original Source](" + rec.Origin + ")"
	}

	post, err := p.store.CreatePost(ctx, cms.PostInput{
		Title:        title,
		Excerpt:      excerpt,
		Markdown:     markdown,
		Tags:         []string{name},
		FeatureImage: feature,
		Status:       cms.StatusPublished,
	})
	if err != nil {
		return err
	}
	p.stats.Created++
	p.log.Debug("created post", "source", name, "id", post.ID, "title", title)
	return nil
}

// deleteDuplicates removes posts whose primary tag is name and whose title
// and excerpt equal the given ones after truncation.
func (p *Publisher) deleteDuplicates(ctx context.Context, name, title, excerpt string) error {
	posts, err := cms.AllPosts(ctx, p.store, name)
	if err != nil {
		return err
	}
	for _, post := range posts {
		if !strings.EqualFold(post.PrimaryTag(), name) {
			continue
		}
		if cms.TruncateTitle(post.Title) != title || cms.TruncateExcerpt(post.Excerpt) != excerpt {
			continue
		}
		if err := p.store.DeletePost(ctx, post.ID); err != nil && !errors.Is(err, cms.ErrNotFound) {
			return err
		}
		p.stats.Deleted++
		p.log.Debug("deleted duplicate", "source", name, "id", post.ID, "title", title)
	}
	return nil
}

// ensureTag returns the tag named after src, creating it with the source's
// description and featured image when missing.
func (p *Publisher) ensureTag(ctx context.Context, src source.Source) (cms.Tag, error) {
	name := src.Name()
	if t, ok := p.tags[strings.ToLower(name)]; ok {
		return t, nil
	}

	t, found, err := cms.FindTag(ctx, p.store, name)
	if err != nil {
		return cms.Tag{}, err
	}
	if !found {
		in := cms.TagInput{Name: name}
		if d, ok := src.(source.Describer); ok {
			in.Description = cms.Truncate(d.About(), cms.MaxTagDescription)
			if img := d.FeaturedImage(); img != "" {
				u, err := p.uploadImage(ctx, img)
				if err != nil {
					if fault.IsFatal(err) {
						return cms.Tag{}, err
					}
					p.log.Warn("creating tag without image", "source", name, "image", img, "err", err)
					p.stats.ImagesFailed++
				} else {
					in.Image = u
				}
			}
		}
		t, err = p.store.CreateTag(ctx, in)
		if err != nil {
			return cms.Tag{}, err
		}
		p.log.Info("created tag", "source", name, "id", t.ID)
	}

	p.tags[strings.ToLower(name)] = t
	return t, nil
}

// uploadImage uploads ref, a remote URL or a local file path, and returns the
// URL the store serves it from.
func (p *Publisher) uploadImage(ctx context.Context, ref string) (string, error) {
	if u, err := url.Parse(ref); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return p.uploadRemote(ctx, u)
	}

	f, err := os.Open(ref)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer func() { _ = f.Close() }()
	return p.store.UploadImage(ctx, filepath.Base(ref), f)
}

// uploadRemote streams the image body straight into the store.
func (p *Publisher) uploadRemote(ctx context.Context, u *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build image request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "image"
	}
	return p.store.UploadImage(ctx, name, resp.Body)
}

// Purge deletes every post whose primary tag is name, then the tag itself. It returns the
// number of posts deleted. Purging a source with no posts or tag is a no-op.
func (p *Publisher) Purge(ctx context.Context, name string) (int, error) {
	n, err := p.purgePosts(ctx, name)
	if err != nil {
		return n, err
	}
	return n, p.purgeTag(ctx, name)
}

// PurgeAll deletes the posts of every named source and then their tags.
func (p *Publisher) PurgeAll(ctx context.Context, names []string) (int, error) {
	total := 0
	for _, name := range names {
		n, err := p.purgePosts(ctx, name)
		total += n
		if err != nil {
			return total, err
		}
	}
	for _, name := range names {
		if err := p.purgeTag(ctx, name); err != nil {
			return total, err
		}
	}
	return total, nil
}

// PurgeEverything deletes every post in the store, whatever its tag, and then
// the tags those posts carried together with the tags of the named sources.
func (p *Publisher) PurgeEverything(ctx context.Context, names []string) (int, error) {
	posts, err := cms.AllPosts(ctx, p.store, "")
	if err != nil {
		return 0, err
	}

	tags := append([]string(nil), names...)
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[strings.ToLower(name)] = true
	}
	for _, post := range posts {
		for _, tag := range post.Tags {
			if !seen[strings.ToLower(tag)] {
				seen[strings.ToLower(tag)] = true
				tags = append(tags, tag)
			}
		}
	}

	deleted, err := p.deletePosts(ctx, "", posts)
	if err != nil {
		return deleted, err
	}
	for _, tag := range tags {
		if err := p.purgeTag(ctx, tag); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (p *Publisher) purgePosts(ctx context.Context, name string) (int, error) {
	posts, err := cms.AllPosts(ctx, p.store, name)
	if err != nil {
		return 0, err
	}
	primary := posts[:0]
	for _, post := range posts {
		if strings.EqualFold(post.PrimaryTag(), name) {
			primary = append(primary, post)
		}
	}
	return p.deletePosts(ctx, name, primary)
}

func (p *Publisher) deletePosts(ctx context.Context, name string, posts []cms.Post) (int, error) {
	deleted := 0
	for _, post := range posts {
		if err := p.store.DeletePost(ctx, post.ID); err != nil {
			if errors.Is(err, cms.ErrNotFound) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	p.stats.Deleted += deleted
	if deleted > 0 && name != "" {
		p.log.Info("purged posts", "source", name, "count", deleted)
	} else if deleted > 0 {
		p.log.Info("purged all posts", "count", deleted)
	}
	return deleted, nil
}

func (p *Publisher) purgeTag(ctx context.Context, name string) error {
	delete(p.tags, strings.ToLower(name))

	t, found, err := cms.FindTag(ctx, p.store, name)
	if err != nil || !found {
		return err
	}
	if err := p.store.DeleteTag(ctx, t.ID); err != nil && !errors.Is(err, cms.ErrNotFound) {
		return err
	}
	p.log.Info("purged tag", "source", name, "id", t.ID)
	return nil
}
