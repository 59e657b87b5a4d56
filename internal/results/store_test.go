package results

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/sydlexius/mediasweep/internal/content"
	"github.com/sydlexius/mediasweep/internal/database"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixedRefs map[int64]int

func (f fixedRefs) ReferenceCount(_ context.Context, id int64) (int, error) {
	return f[id], nil
}

func setupStore(t *testing.T, refs ReferenceCounter) (*Store, *content.Service) {
	t.Helper()
	db := setupTestDB(t)
	svc := content.NewService(db, t.TempDir(), "https://example.com/wp-content/uploads/")
	return NewStore(db, svc, refs), svc
}

func addAttachment(t *testing.T, svc *content.Service, title string) int64 {
	t.Helper()
	a := &content.Attachment{Title: title, File: "2024/01/" + title + ".jpg", MimeType: "image/jpeg"}
	if err := svc.CreateAttachment(context.Background(), a); err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}
	return a.ID
}

func TestMergeAndList(t *testing.T) {
	store, svc := setupStore(t, nil)
	ctx := context.Background()

	a := addAttachment(t, svc, "a")
	b := addAttachment(t, svc, "b")
	c := addAttachment(t, svc, "c")

	err := store.Merge(ctx, TypeUnused, map[int64]Finding{
		a: {Title: "a", FileSize: 300},
		b: {Title: "b", FileSize: 100},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	// A second batch adds without dropping earlier findings.
	if err := store.Merge(ctx, TypeUnused, map[int64]Finding{c: {Title: "c", FileSize: 200}}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	page, err := store.List(ctx, Query{Type: TypeUnused})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 3 {
		t.Fatalf("List total = %d, items = %d; want 3", page.Total, len(page.Items))
	}
	want := []int64{a, c, b}
	for i, id := range want {
		if page.Items[i].AttachmentID != id {
			t.Errorf("item %d = %d, want %d (file_size desc)", i, page.Items[i].AttachmentID, id)
		}
	}

	page, err = store.List(ctx, Query{Type: TypeUnused, OrderBy: OrderByTitle, Order: "asc", PerPage: 2, Page: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.TotalPages != 2 || len(page.Items) != 1 || page.Items[0].AttachmentID != c {
		t.Errorf("page 2 = %+v", page)
	}
}

func TestListFiltersDeletedAndEnriches(t *testing.T) {
	store, svc := setupStore(t, nil)
	ctx := context.Background()

	a := addAttachment(t, svc, "a")
	b := addAttachment(t, svc, "b")
	c := addAttachment(t, svc, "c")
	if err := store.Merge(ctx, TypeOversized, map[int64]Finding{
		a: {FileSize: 3}, b: {FileSize: 2}, c: {FileSize: 1},
	}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if err := svc.Delete(ctx, c); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Flag(ctx, a); err != nil {
		t.Fatalf("Flag: %v", err)
	}
	if err := svc.Trash(ctx, b); err != nil {
		t.Fatalf("Trash: %v", err)
	}

	page, err := store.List(ctx, Query{Type: TypeOversized})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 2 || len(page.Items) != 2 {
		t.Fatalf("total = %d, items = %d; want 2", page.Total, len(page.Items))
	}
	if !page.Items[0].IsFlagged || page.Items[0].IsTrashed {
		t.Errorf("a = %+v, want flagged and not trashed", page.Items[0])
	}
	if page.Items[1].IsFlagged || !page.Items[1].IsTrashed {
		t.Errorf("b = %+v, want trashed and not flagged", page.Items[1])
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[TypeOversized] != 2 || counts[TypeUnused] != 0 {
		t.Errorf("Counts = %v", counts)
	}
}

func TestListAnnotationTypes(t *testing.T) {
	store, svc := setupStore(t, nil)
	ctx := context.Background()

	a := addAttachment(t, svc, "a")
	b := addAttachment(t, svc, "b")
	if err := svc.Flag(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := svc.Trash(ctx, b); err != nil {
		t.Fatal(err)
	}

	flagged, err := store.List(ctx, Query{Type: TypeFlagged})
	if err != nil {
		t.Fatalf("List flagged: %v", err)
	}
	if flagged.Total != 1 || flagged.Items[0].AttachmentID != a || !flagged.Items[0].IsFlagged {
		t.Errorf("flagged = %+v", flagged)
	}

	trash, err := store.List(ctx, Query{Type: TypeTrash})
	if err != nil {
		t.Fatalf("List trash: %v", err)
	}
	if trash.Total != 1 || trash.Items[0].AttachmentID != b || !trash.Items[0].IsTrashed {
		t.Errorf("trash = %+v", trash)
	}
}

func TestListRejectsInvalidQuery(t *testing.T) {
	store, _ := setupStore(t, nil)
	for _, q := range []Query{
		{Type: "bogus"},
		{Type: TypeUnused, OrderBy: "id; DROP TABLE attachments"},
		{Type: TypeUnused, Order: "sideways"},
		{Type: TypeUnused, PerPage: MaxPerPage + 1},
	} {
		if _, err := store.List(context.Background(), q); !errors.Is(err, ErrInvalidQuery) {
			t.Errorf("List(%+v) error = %v, want ErrInvalidQuery", q, err)
		}
	}
}

func TestGroups(t *testing.T) {
	ctx := context.Background()
	store, svc := setupStore(t, nil)

	a := addAttachment(t, svc, "a")
	b := addAttachment(t, svc, "b")
	c := addAttachment(t, svc, "c")
	d := addAttachment(t, svc, "d")
	e := addAttachment(t, svc, "e")
	store.refs = fixedRefs{a: 2}

	now := time.Now().UTC()
	err := store.Merge(ctx, TypeDuplicate, map[int64]Finding{
		a: {Hash: "h1", IsPrimary: true, UploadDate: now},
		b: {Hash: "h1", UploadDate: now},
		c: {Hash: "h1", UploadDate: now},
		d: {Hash: "h2", IsPrimary: true, UploadDate: now},
		e: {Hash: "h2", UploadDate: now},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	// Deleting one of a pair leaves a single member, which is not a group.
	if err := svc.Delete(ctx, e); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	gp, err := store.Groups(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	if gp.Total != 1 || len(gp.Groups) != 1 {
		t.Fatalf("Groups total = %d, len = %d; want 1", gp.Total, len(gp.Groups))
	}
	g := gp.Groups[0]
	if g.Hash != "h1" || g.Count != 3 {
		t.Errorf("group = %s/%d, want h1/3", g.Hash, g.Count)
	}
	if g.Members[0].ReferenceCount == nil || *g.Members[0].ReferenceCount != 2 {
		t.Errorf("member a reference count = %v, want 2", g.Members[0].ReferenceCount)
	}
	if !g.Members[0].IsPrimary {
		t.Error("member a should be primary")
	}

	n, err := store.DistinctDuplicateHashes(ctx)
	if err != nil || n != 2 {
		t.Errorf("DistinctDuplicateHashes = %d, %v; want 2", n, err)
	}
}

func TestDeleteAllAndTypesFor(t *testing.T) {
	store, svc := setupStore(t, nil)
	ctx := context.Background()
	a := addAttachment(t, svc, "a")

	if err := store.Merge(ctx, TypeUnused, map[int64]Finding{a: {}}); err != nil {
		t.Fatal(err)
	}
	if err := store.Merge(ctx, TypeOversized, map[int64]Finding{a: {Threshold: 10, OverBy: 5}}); err != nil {
		t.Fatal(err)
	}
	types, err := store.TypesFor(ctx, a)
	if err != nil || len(types) != 2 || types[0] != TypeOversized || types[1] != TypeUnused {
		t.Errorf("TypesFor = %v, %v", types, err)
	}

	f, err := store.Get(ctx, TypeOversized, a)
	if err != nil || f == nil || f.OverBy != 5 {
		t.Errorf("Get = %+v, %v", f, err)
	}

	if ok, _ := store.Has(ctx, TypeUnused, a); !ok {
		t.Error("Has unused = false, want true")
	}
	if err := store.DeleteType(ctx, TypeUnused); err != nil {
		t.Fatalf("DeleteType: %v", err)
	}
	if n, _ := store.CountAll(ctx); n != 1 {
		t.Errorf("CountAll after DeleteType = %d, want 1", n)
	}

	if err := store.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	counts, _ := store.Counts(ctx)
	for typ, n := range counts {
		if n != 0 {
			t.Errorf("count %s = %d after DeleteAll", typ, n)
		}
	}
}
