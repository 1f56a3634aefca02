package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/ppiankov/sensorpress/internal/cms"
	"github.com/ppiankov/sensorpress/internal/fault"
)

const (
	maxLocalImage   = 20 << 20
	localImagesPath = "/content/images/"
)

// Content is a cms.ContentStore kept in the local database. It backs dry
// installs that have no Ghost site.
type Content struct {
	s *Store
}

var _ cms.ContentStore = (*Content)(nil)

// Content returns the local content store backed by s.
func (s *Store) Content() *Content {
	return &Content{s: s}
}

func (c *Content) db() (*sql.DB, error) {
	if c == nil || c.s == nil || c.s.db == nil {
		return nil, errNotInitialized
	}
	return c.s.db, nil
}

func (c *Content) ListPosts(ctx context.Context, opts cms.ListOptions) (cms.PostPage, error) {
	db, err := c.db()
	if err != nil {
		return cms.PostPage{}, fault.StoreErr("list posts", opts.Tag, err)
	}

	page := max(opts.Page, 1)
	limit := opts.Limit
	if limit <= 0 {
		limit = cms.DefaultPageLimit
	}

	where := ""
	var args []any
	if opts.Tag != "" {
		where = `WHERE p.id IN (
			SELECT pt.post_id FROM cms_post_tags pt
			JOIN cms_tags t ON t.id = pt.tag_id
			WHERE t.slug = ?
		)`
		args = append(args, cms.Slugify(opts.Tag))
	}

	var total int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cms_posts p "+where, args...).Scan(&total); err != nil {
		return cms.PostPage{}, fault.StoreErr("list posts", opts.Tag, fmt.Errorf("count posts: %w", err))
	}

	rows, err := db.QueryContext(ctx, `
		SELECT p.id, p.title, p.excerpt, p.feature_image, p.created_at
		FROM cms_posts p `+where+`
		ORDER BY p.created_at DESC, p.rowid DESC
		LIMIT ? OFFSET ?
	`, append(args, limit, (page-1)*limit)...)
	if err != nil {
		return cms.PostPage{}, fault.StoreErr("list posts", opts.Tag, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var posts []cms.Post
	for rows.Next() {
		p, err := scanContentPost(rows)
		if err != nil {
			return cms.PostPage{}, fault.StoreErr("list posts", opts.Tag, err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return cms.PostPage{}, fault.StoreErr("list posts", opts.Tag, fmt.Errorf("iterate posts: %w", err))
	}

	if err := c.attachTags(ctx, db, posts); err != nil {
		return cms.PostPage{}, fault.StoreErr("list posts", opts.Tag, err)
	}

	pages := max((total+limit-1)/limit, 1)
	return cms.PostPage{Posts: posts, Page: page, Pages: pages}, nil
}

// attachTags fills in tag names for posts, primary tag first.
func (c *Content) attachTags(ctx context.Context, db *sql.DB, posts []cms.Post) error {
	if len(posts) == 0 {
		return nil
	}

	args := make([]any, len(posts))
	index := make(map[string]int, len(posts))
	for i, p := range posts {
		args[i] = p.ID
		index[p.ID] = i
	}

	query := fmt.Sprintf(`
		SELECT pt.post_id, t.name
		FROM cms_post_tags pt
		JOIN cms_tags t ON t.id = pt.tag_id
		WHERE pt.post_id IN (%s)
		ORDER BY pt.post_id, pt.position
	`, placeholders(len(posts)))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query post tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var postID, name string
		if err := rows.Scan(&postID, &name); err != nil {
			return fmt.Errorf("scan post tag: %w", err)
		}
		i := index[postID]
		posts[i].Tags = append(posts[i].Tags, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate post tags: %w", err)
	}
	return nil
}

// CreatePost stores the post. Tags that do not exist yet are created by name.
func (c *Content) CreatePost(ctx context.Context, in cms.PostInput) (cms.Post, error) {
	db, err := c.db()
	if err != nil {
		return cms.Post{}, fault.StoreErr("create post", in.Title, err)
	}
	if strings.TrimSpace(in.Title) == "" {
		return cms.Post{}, fault.StoreErr("create post", in.Title, errors.New("title is required"))
	}

	status := in.Status
	if status == "" {
		status = cms.StatusPublished
	}
	post := cms.Post{
		ID:           uuid.NewString(),
		Title:        cms.TruncateTitle(in.Title),
		Excerpt:      cms.TruncateExcerpt(in.Excerpt),
		FeatureImage: in.FeatureImage,
		CreatedAt:    c.s.now().UTC(),
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return cms.Post{}, fault.StoreErr("create post", in.Title, fmt.Errorf("begin transaction: %w", err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cms_posts (id, title, excerpt, markdown, feature_image, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, post.ID, post.Title, post.Excerpt, in.Markdown, post.FeatureImage, status, formatTime(post.CreatedAt))
	if err != nil {
		_ = tx.Rollback()
		return cms.Post{}, fault.StoreErr("create post", in.Title, fmt.Errorf("insert post: %w", err))
	}

	position := 0
	for _, name := range in.Tags {
		tag, err := ensureTag(ctx, tx, name)
		if err != nil {
			_ = tx.Rollback()
			return cms.Post{}, fault.StoreErr("create post", in.Title, err)
		}
		res, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO cms_post_tags (post_id, tag_id, position) VALUES (?, ?, ?)",
			post.ID, tag.ID, position,
		)
		if err != nil {
			_ = tx.Rollback()
			return cms.Post{}, fault.StoreErr("create post", in.Title, fmt.Errorf("link tag: %w", err))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			post.Tags = append(post.Tags, tag.Name)
			position++
		}
	}

	if err := tx.Commit(); err != nil {
		return cms.Post{}, fault.StoreErr("create post", in.Title, fmt.Errorf("commit post: %w", err))
	}
	return post, nil
}

func ensureTag(ctx context.Context, tx *sql.Tx, name string) (cms.Tag, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT id, name, slug, description, image FROM cms_tags WHERE name = ?", name)
	tag, err := scanTag(row)
	if err == nil {
		return tag, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return cms.Tag{}, err
	}

	tag = cms.Tag{ID: uuid.NewString(), Name: name, Slug: cms.Slugify(name)}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO cms_tags (id, name, slug) VALUES (?, ?, ?)", tag.ID, tag.Name, tag.Slug,
	); err != nil {
		return cms.Tag{}, fmt.Errorf("insert tag %s: %w", name, err)
	}
	return tag, nil
}

func (c *Content) DeletePost(ctx context.Context, id string) error {
	db, err := c.db()
	if err != nil {
		return fault.StoreErr("delete post", id, err)
	}
	res, err := db.ExecContext(ctx, "DELETE FROM cms_posts WHERE id = ?", id)
	if err != nil {
		return fault.StoreErr("delete post", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.StoreErr("delete post", id, cms.ErrNotFound)
	}
	return nil
}

func (c *Content) ListTags(ctx context.Context) ([]cms.Tag, error) {
	db, err := c.db()
	if err != nil {
		return nil, fault.StoreErr("list tags", "", err)
	}
	rows, err := db.QueryContext(ctx, "SELECT id, name, slug, description, image FROM cms_tags ORDER BY name")
	if err != nil {
		return nil, fault.StoreErr("list tags", "", err)
	}
	defer func() { _ = rows.Close() }()

	var tags []cms.Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fault.StoreErr("list tags", "", err)
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.StoreErr("list tags", "", fmt.Errorf("iterate tags: %w", err))
	}
	return tags, nil
}

func (c *Content) GetTag(ctx context.Context, id string) (cms.Tag, error) {
	db, err := c.db()
	if err != nil {
		return cms.Tag{}, fault.StoreErr("get tag", id, err)
	}
	row := db.QueryRowContext(ctx, "SELECT id, name, slug, description, image FROM cms_tags WHERE id = ?", id)
	tag, err := scanTag(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cms.Tag{}, fault.StoreErr("get tag", id, cms.ErrNotFound)
	}
	if err != nil {
		return cms.Tag{}, fault.StoreErr("get tag", id, err)
	}
	return tag, nil
}

func (c *Content) CreateTag(ctx context.Context, in cms.TagInput) (cms.Tag, error) {
	db, err := c.db()
	if err != nil {
		return cms.Tag{}, fault.StoreErr("create tag", in.Name, err)
	}
	if strings.TrimSpace(in.Name) == "" {
		return cms.Tag{}, fault.StoreErr("create tag", in.Name, errors.New("name is required"))
	}

	tag := cms.Tag{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Slug:        cms.Slugify(in.Name),
		Description: cms.Truncate(in.Description, cms.MaxTagDescription),
		Image:       in.Image,
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO cms_tags (id, name, slug, description, image)
		VALUES (?, ?, ?, ?, ?)
	`, tag.ID, tag.Name, tag.Slug, tag.Description, tag.Image)
	if err != nil {
		return cms.Tag{}, fault.StoreErr("create tag", in.Name, err)
	}
	return tag, nil
}

func (c *Content) DeleteTag(ctx context.Context, id string) error {
	db, err := c.db()
	if err != nil {
		return fault.StoreErr("delete tag", id, err)
	}
	res, err := db.ExecContext(ctx, "DELETE FROM cms_tags WHERE id = ?", id)
	if err != nil {
		return fault.StoreErr("delete tag", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.StoreErr("delete tag", id, cms.ErrNotFound)
	}
	return nil
}

// UploadImage stores the image bytes and returns a site-relative URL.
func (c *Content) UploadImage(ctx context.Context, name string, r io.Reader) (string, error) {
	db, err := c.db()
	if err != nil {
		return "", fault.StoreErr("upload image", name, err)
	}

	data, err := io.ReadAll(io.LimitReader(r, maxLocalImage+1))
	if err != nil {
		return "", fault.StoreErr("upload image", name, fmt.Errorf("read image: %w", err))
	}
	if len(data) > maxLocalImage {
		return "", fault.StoreErr("upload image", name, fmt.Errorf("image exceeds %d bytes", maxLocalImage))
	}

	id := uuid.NewString()
	if _, err := db.ExecContext(ctx,
		"INSERT INTO cms_images (id, name, data, created_at) VALUES (?, ?, ?, ?)",
		id, name, data, formatTime(c.s.now()),
	); err != nil {
		return "", fault.StoreErr("upload image", name, err)
	}
	return localImagesPath + id + "/" + name, nil
}

func (c *Content) Ping(ctx context.Context) error {
	db, err := c.db()
	if err != nil {
		return fault.StoreErr("ping", "local", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return fault.StoreErr("ping", "local", err)
	}
	return nil
}

func scanContentPost(scanner rowScanner) (cms.Post, error) {
	var (
		p         cms.Post
		createdAt string
	)
	if err := scanner.Scan(&p.ID, &p.Title, &p.Excerpt, &p.FeatureImage, &createdAt); err != nil {
		return cms.Post{}, fmt.Errorf("scan post: %w", err)
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return cms.Post{}, fmt.Errorf("parse created_at: %w", err)
	}
	p.CreatedAt = ts
	return p, nil
}

func scanTag(scanner rowScanner) (cms.Tag, error) {
	var t cms.Tag
	if err := scanner.Scan(&t.ID, &t.Name, &t.Slug, &t.Description, &t.Image); err != nil {
		return cms.Tag{}, err
	}
	return t, nil
}
