package refindex

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"testing"

	"github.com/sydlexius/mediasweep/internal/content"
	"github.com/sydlexius/mediasweep/internal/database"
	"github.com/sydlexius/mediasweep/internal/extension"
	"github.com/sydlexius/mediasweep/internal/logging"
)

const marker = "wp-content/uploads"

type fixture struct {
	db      *sql.DB
	content *content.Service
	reg     *extension.Registry
	idx     *Index
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cs := content.NewService(db, t.TempDir(), "https://example.com/wp-content/uploads")
	reg := extension.NewRegistry()
	return &fixture{db: db, content: cs, reg: reg, idx: NewIndex(db, cs, reg, marker, logging.Discard())}
}

func (f *fixture) attachments(t *testing.T, files map[int64]string) {
	t.Helper()
	for id, file := range files {
		if err := f.content.CreateAttachment(context.Background(), &content.Attachment{ID: id, File: file}); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) item(t *testing.T, it content.Item) int64 {
	t.Helper()
	if err := f.content.CreateItem(context.Background(), &it); err != nil {
		t.Fatal(err)
	}
	return it.ID
}

func sorted(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func equalIDs(a, b []int64) bool {
	a, b = sorted(a), sorted(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExtractFromContent(t *testing.T) {
	f := setup(t)
	f.attachments(t, map[int64]string{
		12: "2024/01/photo.jpg",
		13: "2024/01/other.png",
		14: "2024/02/hero.webp",
		15: "2024/02/poster.jpg",
		16: "2024/03/inline.jpg",
		50: "2024/03/gallery.jpg",
	})
	ctx := context.Background()

	tests := []struct {
		name string
		body string
		want []int64
	}{
		{"image class", `<img class="wp-image-12" src="x.jpg">`, []int64{12}},
		{"image block", `<!-- wp:image {"id":77,"sizeSlug":"large"} -->`, []int64{77}},
		{"cover block", `<!-- wp:cover {"url":"x","id":78} -->`, []int64{78}},
		{"media-text block", `<!-- wp:media-text {"mediaId":79,"mediaType":"image"} -->`, []int64{79}},
		{"attachment link", `<a href="/?attachment_id=80">file</a>`, []int64{80}},
		{"generic id validated", `<!-- wp:gallery {"ids":[]} --><figure data-x='{"id":50}'></figure>{"id":9999}`, []int64{50}},
		{"absolute upload url", `<img src="https://example.com/wp-content/uploads/2024/01/other.png">`, []int64{13}},
		{"size suffix stripped", `<img src="//cdn.example.com/wp-content/uploads/2024/01/photo-300x200.jpg">`, []int64{12}},
		{"relative url via html", `<img src="/wp-content/uploads/2024/02/hero.webp" alt="">`, []int64{14}},
		{"srcset candidate", `<img srcset="/wp-content/uploads/2024/03/inline-640x480.jpg 640w, /x.jpg 2x">`, []int64{16}},
		{"video poster", `<video poster="/wp-content/uploads/2024/02/poster.jpg"></video>`, []int64{15}},
		{"unknown upload", `<img src="https://example.com/wp-content/uploads/none.jpg">`, nil},
		{"empty", ``, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.idx.ExtractFromContent(ctx, tt.body)
			if err != nil {
				t.Fatalf("ExtractFromContent: %v", err)
			}
			if !equalIDs(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractFromMeta(t *testing.T) {
	f := setup(t)
	f.attachments(t, map[int64]string{
		21: "2023/07/bg.jpg",
		22: "2023/07/logo.png",
		23: "2023/08/escaped.jpg",
	})
	ctx := context.Background()

	tests := []struct {
		name  string
		value string
		want  []int64
	}{
		{"elementor image", `[{"settings":{"image":{"id":"21","url":""}}}]`, []int64{21}},
		{"image_id unquoted", `{"image_id":22}`, []int64{22}},
		{"non-attachment id dropped", `{"attach_id":"404"}`, nil},
		{"escaped path", `{"url":"https:\/\/example.com\/wp-content/uploads/2023/08/escaped-150x150.jpg"}`, []int64{23}},
		{"fully escaped path", `{"url":"https:\/\/example.com\/wp-content\/uploads\/2023\/08\/escaped-300x200.jpg"}`, []int64{23}},
		{"widget instance", `{"attachment_id":22,"url":"/wp-content/uploads/2023/07/bg.jpg"}`, []int64{21, 22}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.idx.ExtractFromMeta(ctx, tt.value)
			if err != nil {
				t.Fatal(err)
			}
			if !equalIDs(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildBatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.attachments(t, map[int64]string{1: "a.jpg", 2: "b.jpg", 3: "c.jpg", 4: "d.jpg"})

	p1 := f.item(t, content.Item{Body: `<img class="wp-image-1">`, FeaturedID: 2})
	p2 := f.item(t, content.Item{Status: "draft"})
	f.item(t, content.Item{Status: "trash", Body: `<img class="wp-image-4">`})
	if err := f.content.SetMeta(ctx, p2, "_elementor_data", `[{"id":"3"}]`); err != nil {
		t.Fatal(err)
	}

	n, err := f.idx.BuildBatch(ctx, 0, 10)
	if err != nil {
		t.Fatalf("BuildBatch: %v", err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2 (trashed items skipped)", n)
	}

	cases := map[int64]bool{1: true, 2: true, 3: true, 4: false}
	for id, want := range cases {
		got, err := f.idx.IsReferenced(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		refs, _ := f.idx.References(ctx, id)
		if got != want || got != (len(refs) > 0) {
			t.Errorf("attachment %d: IsReferenced=%v refs=%d, want %v", id, got, len(refs), want)
		}
	}

	refs, _ := f.idx.References(ctx, 2)
	if len(refs) != 1 || refs[0].SourceType != SourceFeaturedImage || refs[0].SourceID != p1 {
		t.Errorf("featured refs = %+v", refs)
	}
	refs, _ = f.idx.References(ctx, 3)
	if len(refs) != 1 || refs[0].SourceType != SourcePageBuilder {
		t.Errorf("page builder refs = %+v", refs)
	}

	// Re-running the same batch yields the same set.
	before, _ := f.idx.Size(ctx)
	if _, err := f.idx.BuildBatch(ctx, 0, 10); err != nil {
		t.Fatal(err)
	}
	after, _ := f.idx.Size(ctx)
	if before != after {
		t.Errorf("retried batch changed size %d -> %d", before, after)
	}

	// Past the end: zero and no writes.
	n, err = f.idx.BuildBatch(ctx, 50, 10)
	if err != nil || n != 0 {
		t.Errorf("past end = %d, %v", n, err)
	}
	if again, _ := f.idx.Size(ctx); again != after {
		t.Error("past-end batch must not write")
	}
}

func TestBuildBatch_Paging(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for range 5 {
		f.item(t, content.Item{})
	}
	total, _ := f.idx.TotalItems(ctx)
	if total != 5 {
		t.Fatalf("TotalItems = %d", total)
	}
	var sizes []int
	for offset := 0; ; offset += 2 {
		n, err := f.idx.BuildBatch(ctx, offset, 2)
		if err != nil {
			t.Fatal(err)
		}
		sizes = append(sizes, n)
		if n < 2 {
			break
		}
	}
	if len(sizes) != 3 || sizes[2] != 1 {
		t.Errorf("batch sizes = %v, want [2 2 1]", sizes)
	}
}

func TestBuildGlobalReferences(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.attachments(t, map[int64]string{5: "icon.png", 6: "logo.png", 7: "widget.jpg", 8: "hidden.jpg"})

	if err := f.content.SetOption(ctx, content.OptionSiteIcon, "5"); err != nil {
		t.Fatal(err)
	}
	if err := f.content.SetOption(ctx, content.OptionCustomLogo, "6"); err != nil {
		t.Fatal(err)
	}
	for _, w := range []content.Widget{
		{ID: "media_image-1", Sidebar: "sidebar-1", Type: "media_image", Instance: `{"attachment_id":7}`},
		{ID: "media_image-2", Sidebar: content.InactiveSidebar, Type: "media_image", Instance: `{"attachment_id":8}`},
	} {
		if err := f.content.SaveWidget(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.idx.BuildGlobalReferences(ctx); err != nil {
		t.Fatalf("BuildGlobalReferences: %v", err)
	}

	want := map[int64]string{5: SourceSiteIcon, 6: SourceCustomLogo, 7: SourceWidget}
	for id, source := range want {
		refs, _ := f.idx.References(ctx, id)
		if len(refs) != 1 || refs[0].SourceType != source || refs[0].SourceID != 0 {
			t.Errorf("attachment %d refs = %+v, want one %s", id, refs, source)
		}
	}
	if ok, _ := f.idx.IsReferenced(ctx, 8); ok {
		t.Error("inactive widget must not count")
	}

	if err := f.idx.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.idx.Size(ctx); n != 0 {
		t.Errorf("size after Clear = %d", n)
	}
}

func TestWidgetSizedURLResolvesToOriginal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.attachments(t, map[int64]string{9: "2024/03/banner.jpg", 10: "2024/03/other.jpg"})

	for _, w := range []content.Widget{
		{ID: "media_image-3", Sidebar: "sidebar-1", Type: "media_image",
			Instance: `{"url":"https://example.com/wp-content/uploads/2024/03/banner-300x200.jpg"}`},
		{ID: "custom_html-1", Sidebar: "footer-1", Type: "custom_html",
			Instance: `{"content":"<img src=\"https:\/\/example.com\/wp-content\/uploads\/2024\/03\/other-1024x768.jpg\">"}`},
	} {
		if err := f.content.SaveWidget(ctx, w); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.idx.BuildGlobalReferences(ctx); err != nil {
		t.Fatalf("BuildGlobalReferences: %v", err)
	}

	for _, id := range []int64{9, 10} {
		ok, err := f.idx.IsReferenced(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Errorf("IsReferenced(%d) = false, want true", id)
		}
		refs, _ := f.idx.References(ctx, id)
		if len(refs) != 1 || refs[0].SourceType != SourceWidget {
			t.Errorf("attachment %d refs = %+v, want one widget reference", id, refs)
		}
	}
}

func TestCustomSourcesAndMetaKeys(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.attachments(t, map[int64]string{30: "x.jpg", 31: "y.jpg"})
	item := f.item(t, content.Item{})

	f.reg.AddReferenceSource(extension.ReferenceSource{
		Type: "ACF Gallery",
		Resolve: func(_ context.Context, id int64) ([]int64, error) {
			if id == item {
				return []int64{30, 0}, nil
			}
			return nil, nil
		},
	})
	f.idx.SetMetaKeysFunc(func(context.Context) []string { return append(DefaultMetaKeys, "gallery_field") })
	if err := f.content.SetMeta(ctx, item, "gallery_field", `{"image_id":"31"}`); err != nil {
		t.Fatal(err)
	}

	if _, err := f.idx.BuildBatch(ctx, 0, 10); err != nil {
		t.Fatal(err)
	}
	refs, _ := f.idx.References(ctx, 30)
	if len(refs) != 1 || refs[0].SourceType != "acfgallery" {
		t.Errorf("custom refs = %+v", refs)
	}
	if ok, _ := f.idx.IsReferenced(ctx, 31); !ok {
		t.Error("extra meta key should be scanned")
	}

	f.reg.AddReferenceSource(extension.ReferenceSource{
		Type:    "broken",
		Resolve: func(context.Context, int64) ([]int64, error) { return nil, errors.New("boom") },
	})
	if _, err := f.idx.BuildBatch(ctx, 0, 10); err == nil {
		t.Error("expected custom source error to fail the batch")
	}
}

func TestResolver_RelativePath(t *testing.T) {
	r := NewResolver(nil, "/wp-content/uploads/")
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://example.com/wp-content/uploads/2024/01/a-1024x768.jpg", "2024/01/a.jpg", true},
		{"//cdn/wp-content/uploads/2024/01/a.jpg?ver=2#frag", "2024/01/a.jpg", true},
		{"/wp-content/uploads/2024/01/my%20file.png", "2024/01/my file.png", true},
		{"wp-content/uploads/2024/01/plain-name.jpg", "2024/01/plain-name.jpg", true},
		{"https://example.com/other/a.jpg", "", false},
		{"https://example.com/wp-content/uploads/", "", false},
	}
	for _, tt := range tests {
		got, ok := r.RelativePath(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("RelativePath(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
