package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gloss/api/internal/config"
	"gloss/api/internal/lock"
	"gloss/api/internal/search"
	"gloss/api/internal/store"
)

var testNow = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

type fakeStore struct {
	getIssueFn           func(ctx context.Context, id string) (store.Issue, error)
	listIssuesFn         func(ctx context.Context) ([]store.Issue, error)
	insertIssueFn        func(ctx context.Context, issue store.Issue) error
	setActiveEditorsFn   func(ctx context.Context, id string, n int) error
	listSectionsFn       func(ctx context.Context, issueID string) ([]store.Section, error)
	getSectionFn         func(ctx context.Context, id string) (store.Section, error)
	insertSectionFn      func(ctx context.Context, section store.Section) error
	updateSectionFn      func(ctx context.Context, id string, patch store.SectionPatch, name, email string, expected *int) (store.Section, error)
	deleteSectionFn      func(ctx context.Context, id, issueID string, orders []store.SectionOrder, name, email string) error
	updateOrdersFn       func(ctx context.Context, orders []store.SectionOrder) error
	insertSectionsFn     func(ctx context.Context, issueID string, sections []store.Section, name, email string) error
	migrateIssueFn       func(ctx context.Context, issueID string, sections []store.Section, name, email string) error
}

func (f *fakeStore) GetIssue(ctx context.Context, id string) (store.Issue, error) {
	if f.getIssueFn == nil {
		return store.Issue{ID: id}, nil
	}
	return f.getIssueFn(ctx, id)
}

func (f *fakeStore) ListIssues(ctx context.Context) ([]store.Issue, error) {
	if f.listIssuesFn == nil {
		return nil, nil
	}
	return f.listIssuesFn(ctx)
}

func (f *fakeStore) InsertIssue(ctx context.Context, issue store.Issue) error {
	if f.insertIssueFn == nil {
		return nil
	}
	return f.insertIssueFn(ctx, issue)
}

func (f *fakeStore) SetActiveEditors(ctx context.Context, id string, n int) error {
	if f.setActiveEditorsFn == nil {
		return nil
	}
	return f.setActiveEditorsFn(ctx, id, n)
}

func (f *fakeStore) ListSections(ctx context.Context, issueID string) ([]store.Section, error) {
	if f.listSectionsFn == nil {
		return nil, nil
	}
	return f.listSectionsFn(ctx, issueID)
}

func (f *fakeStore) GetSection(ctx context.Context, id string) (store.Section, error) {
	if f.getSectionFn == nil {
		return store.Section{}, sql.ErrNoRows
	}
	return f.getSectionFn(ctx, id)
}

func (f *fakeStore) InsertSectionWithCount(ctx context.Context, section store.Section) error {
	if f.insertSectionFn == nil {
		return nil
	}
	return f.insertSectionFn(ctx, section)
}

func (f *fakeStore) UpdateSectionContent(ctx context.Context, id string, patch store.SectionPatch, name, email string, expected *int) (store.Section, error) {
	if f.updateSectionFn == nil {
		return store.Section{}, sql.ErrNoRows
	}
	return f.updateSectionFn(ctx, id, patch, name, email, expected)
}

func (f *fakeStore) DeleteSectionWithCompaction(ctx context.Context, id, issueID string, orders []store.SectionOrder, name, email string) error {
	if f.deleteSectionFn == nil {
		return nil
	}
	return f.deleteSectionFn(ctx, id, issueID, orders, name, email)
}

func (f *fakeStore) UpdateSectionOrders(ctx context.Context, orders []store.SectionOrder) error {
	if f.updateOrdersFn == nil {
		return nil
	}
	return f.updateOrdersFn(ctx, orders)
}

func (f *fakeStore) InsertSectionsWithCount(ctx context.Context, issueID string, sections []store.Section, name, email string) error {
	if f.insertSectionsFn == nil {
		return nil
	}
	return f.insertSectionsFn(ctx, issueID, sections, name, email)
}

func (f *fakeStore) MigrateIssue(ctx context.Context, issueID string, sections []store.Section, name, email string) error {
	if f.migrateIssueFn == nil {
		return nil
	}
	return f.migrateIssueFn(ctx, issueID, sections, name, email)
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

type fakeLocks struct {
	acquireFn  func(ctx context.Context, sectionID string, editor lock.Editor, tabID string) (lock.AcquireResult, error)
	releaseFn  func(ctx context.Context, sectionID, userID string) (bool, error)
	transferFn func(ctx context.Context, sectionID string, editor lock.Editor, tabID string, force bool) (lock.TransferResult, error)
	getFn      func(ctx context.Context, sectionID string) (*lock.Lease, error)
	getManyFn  func(ctx context.Context, ids []string) (map[string]*lock.Lease, error)
}

func (f *fakeLocks) Acquire(ctx context.Context, sectionID string, editor lock.Editor, tabID string) (lock.AcquireResult, error) {
	if f.acquireFn == nil {
		return lock.AcquireResult{Acquired: true, Lease: lock.Lease{UserID: editor.ID, TabID: tabID, LockedAt: testNow, ExpiresAt: testNow.Add(5 * time.Minute)}}, nil
	}
	return f.acquireFn(ctx, sectionID, editor, tabID)
}

func (f *fakeLocks) Release(ctx context.Context, sectionID, userID string) (bool, error) {
	if f.releaseFn == nil {
		return false, nil
	}
	return f.releaseFn(ctx, sectionID, userID)
}

func (f *fakeLocks) Transfer(ctx context.Context, sectionID string, editor lock.Editor, tabID string, force bool) (lock.TransferResult, error) {
	if f.transferFn == nil {
		return lock.TransferResult{Transferred: true}, nil
	}
	return f.transferFn(ctx, sectionID, editor, tabID, force)
}

func (f *fakeLocks) Get(ctx context.Context, sectionID string) (*lock.Lease, error) {
	if f.getFn == nil {
		return nil, nil
	}
	return f.getFn(ctx, sectionID)
}

func (f *fakeLocks) GetMany(ctx context.Context, ids []string) (map[string]*lock.Lease, error) {
	if f.getManyFn == nil {
		return map[string]*lock.Lease{}, nil
	}
	return f.getManyFn(ctx, ids)
}

func (f *fakeLocks) Ping(ctx context.Context) error { return nil }

func newTestService(fs *fakeStore, fl *fakeLocks) *Service {
	if fs == nil {
		fs = &fakeStore{}
	}
	if fl == nil {
		fl = &fakeLocks{}
	}
	return &Service{
		cfg:   config.Config{LockTTL: 5 * time.Minute},
		store: fs,
		locks: fl,
		now:   func() time.Time { return testNow },
	}
}

func testEditor() lock.Editor {
	return lock.Editor{ID: "usr-a", Name: "Ana", Email: "ana@gloss.dev"}
}

func sectionsWithOrders(issueID string, orders ...int) []store.Section {
	sections := make([]store.Section, len(orders))
	for i, order := range orders {
		sections[i] = store.Section{
			ID:      sectionID(i),
			IssueID: issueID,
			Order:   order,
			Version: 1,
		}
	}
	return sections
}

func sectionID(i int) string {
	return "sec-" + string(rune('a'+i))
}

func wantDomainError(t *testing.T, err error, code string) *DomainError {
	t.Helper()
	var domErr *DomainError
	if !errors.As(err, &domErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, domErr.Code, domErr.Message)
	}
	return domErr
}

func TestCreateSectionAppendsAtEnd(t *testing.T) {
	var inserted store.Section
	fs := &fakeStore{
		listSectionsFn: func(ctx context.Context, issueID string) ([]store.Section, error) {
			return sectionsWithOrders(issueID, 0, 1, 2), nil
		},
		insertSectionFn: func(ctx context.Context, section store.Section) error {
			inserted = section
			return nil
		},
	}
	svc := newTestService(fs, nil)

	section, err := svc.CreateSection(context.Background(), "iss-1", SectionInput{
		Type:  "feature",
		Title: "Serum Science",
	}, testEditor())
	if err != nil {
		t.Fatalf("CreateSection failed: %v", err)
	}
	if section.Order != 3 {
		t.Errorf("expected order 3, got %d", section.Order)
	}
	if section.Version != 1 {
		t.Errorf("new sections start at version 1, got %d", section.Version)
	}
	if section.CreatedBy != "Ana" || section.LastModifiedBy != "Ana" {
		t.Errorf("audit fields not stamped: %+v", section)
	}
	if inserted.ID == "" || inserted.ID != section.ID {
		t.Errorf("returned section must match the stored one: %q vs %q", section.ID, inserted.ID)
	}
}

func TestCreateSectionEmptyIssueStartsAtZero(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	section, err := svc.CreateSection(context.Background(), "iss-1", SectionInput{Type: "cover"}, testEditor())
	if err != nil {
		t.Fatalf("CreateSection failed: %v", err)
	}
	if section.Order != 0 {
		t.Errorf("first section of an issue must get order 0, got %d", section.Order)
	}
}

func TestCreateSectionUnknownIssue(t *testing.T) {
	fs := &fakeStore{
		getIssueFn: func(ctx context.Context, id string) (store.Issue, error) {
			return store.Issue{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.CreateSection(context.Background(), "iss-nope", SectionInput{}, testEditor())
	wantDomainError(t, err, "NOT_FOUND")
}

func TestUpdateSectionPassesPatchThrough(t *testing.T) {
	title := "New Title"
	expected := 4
	var gotPatch store.SectionPatch
	var gotExpected *int
	fs := &fakeStore{
		getSectionFn: func(ctx context.Context, id string) (store.Section, error) {
			return store.Section{ID: id, IssueID: "iss-1", Version: 4}, nil
		},
		updateSectionFn: func(ctx context.Context, id string, patch store.SectionPatch, name, email string, exp *int) (store.Section, error) {
			gotPatch = patch
			gotExpected = exp
			return store.Section{ID: id, IssueID: "iss-1", Title: *patch.Title, Version: 5}, nil
		},
	}
	svc := newTestService(fs, nil)

	updated, err := svc.UpdateSection(context.Background(), "sec-1", UpdateSectionInput{
		Title:           &title,
		Content:         json.RawMessage(`{"body":"hello"}`),
		ExpectedVersion: &expected,
	}, testEditor())
	if err != nil {
		t.Fatalf("UpdateSection failed: %v", err)
	}
	if updated.Version != 5 {
		t.Errorf("expected version 5 after the write, got %d", updated.Version)
	}
	if gotPatch.Title == nil || *gotPatch.Title != "New Title" {
		t.Errorf("title patch not forwarded: %+v", gotPatch)
	}
	if gotPatch.Type != nil || gotPatch.Subtitle != nil {
		t.Errorf("unset fields must stay nil: %+v", gotPatch)
	}
	if gotExpected == nil || *gotExpected != 4 {
		t.Errorf("expected version not forwarded: %v", gotExpected)
	}
}

func TestUpdateSectionBlockedByForeignLease(t *testing.T) {
	updateCalled := false
	fs := &fakeStore{
		getSectionFn: func(ctx context.Context, id string) (store.Section, error) {
			return store.Section{ID: id, IssueID: "iss-1"}, nil
		},
		updateSectionFn: func(ctx context.Context, id string, patch store.SectionPatch, name, email string, exp *int) (store.Section, error) {
			updateCalled = true
			return store.Section{}, nil
		},
	}
	fl := &fakeLocks{
		getFn: func(ctx context.Context, sectionID string) (*lock.Lease, error) {
			return &lock.Lease{
				UserID:    "usr-b",
				UserName:  "Bea",
				TabID:     "tab-9",
				LockedAt:  testNow.Add(-time.Minute),
				ExpiresAt: testNow.Add(4 * time.Minute),
			}, nil
		},
	}
	svc := newTestService(fs, fl)

	_, err := svc.UpdateSection(context.Background(), "sec-1", UpdateSectionInput{}, testEditor())
	domErr := wantDomainError(t, err, "LOCK_CONFLICT")
	if domErr.Status != 409 {
		t.Errorf("lock conflicts map to 409, got %d", domErr.Status)
	}
	if updateCalled {
		t.Error("a blocked update must never reach the store")
	}
}

func TestUpdateSectionExpiredLeaseDoesNotBlock(t *testing.T) {
	fs := &fakeStore{
		getSectionFn: func(ctx context.Context, id string) (store.Section, error) {
			return store.Section{ID: id, IssueID: "iss-1", Version: 1}, nil
		},
		updateSectionFn: func(ctx context.Context, id string, patch store.SectionPatch, name, email string, exp *int) (store.Section, error) {
			return store.Section{ID: id, Version: 2}, nil
		},
	}
	fl := &fakeLocks{
		getFn: func(ctx context.Context, sectionID string) (*lock.Lease, error) {
			return &lock.Lease{
				UserID:    "usr-b",
				ExpiresAt: testNow.Add(-time.Second),
			}, nil
		},
	}
	svc := newTestService(fs, fl)

	updated, err := svc.UpdateSection(context.Background(), "sec-1", UpdateSectionInput{}, testEditor())
	if err != nil {
		t.Fatalf("an expired lease must not block the write: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}
}

func TestUpdateSectionVersionConflict(t *testing.T) {
	expected := 3
	fs := &fakeStore{
		getSectionFn: func(ctx context.Context, id string) (store.Section, error) {
			return store.Section{ID: id, IssueID: "iss-1", Version: 7}, nil
		},
		updateSectionFn: func(ctx context.Context, id string, patch store.SectionPatch, name, email string, exp *int) (store.Section, error) {
			return store.Section{}, store.ErrVersionConflict
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.UpdateSection(context.Background(), "sec-1", UpdateSectionInput{ExpectedVersion: &expected}, testEditor())
	domErr := wantDomainError(t, err, "VERSION_CONFLICT")
	if domErr.Status != 409 {
		t.Errorf("version conflicts map to 409, got %d", domErr.Status)
	}
}

func TestDeleteSectionCompactsRemainingOrders(t *testing.T) {
	issue := "iss-1"
	sections := sectionsWithOrders(issue, 0, 1, 2, 3, 4)
	deleted := sections[2] // order 2

	var gotOrders []store.SectionOrder
	fs := &fakeStore{
		getSectionFn: func(ctx context.Context, id string) (store.Section, error) {
			return deleted, nil
		},
		listSectionsFn: func(ctx context.Context, issueID string) ([]store.Section, error) {
			return sections, nil
		},
		deleteSectionFn: func(ctx context.Context, id, issueID string, orders []store.SectionOrder, name, email string) error {
			gotOrders = orders
			return nil
		},
	}
	svc := newTestService(fs, nil)

	if err := svc.DeleteSection(context.Background(), deleted.ID, issue, testEditor()); err != nil {
		t.Fatalf("DeleteSection failed: %v", err)
	}

	want := []store.SectionOrder{
		{ID: sections[0].ID, Order: 0},
		{ID: sections[1].ID, Order: 1},
		{ID: sections[3].ID, Order: 2},
		{ID: sections[4].ID, Order: 3},
	}
	if len(gotOrders) != len(want) {
		t.Fatalf("expected %d compacted orders, got %d", len(want), len(gotOrders))
	}
	for i, order := range want {
		if gotOrders[i] != order {
			t.Errorf("compacted order %d: expected %+v, got %+v", i, order, gotOrders[i])
		}
	}
}

func TestDeleteSectionBlockedByForeignLease(t *testing.T) {
	deleteCalled := false
	fs := &fakeStore{
		getSectionFn: func(ctx context.Context, id string) (store.Section, error) {
			return store.Section{ID: id, IssueID: "iss-1"}, nil
		},
		deleteSectionFn: func(ctx context.Context, id, issueID string, orders []store.SectionOrder, name, email string) error {
			deleteCalled = true
			return nil
		},
	}
	fl := &fakeLocks{
		getFn: func(ctx context.Context, sectionID string) (*lock.Lease, error) {
			return &lock.Lease{UserID: "usr-b", ExpiresAt: testNow.Add(time.Minute)}, nil
		},
	}
	svc := newTestService(fs, fl)

	err := svc.DeleteSection(context.Background(), "sec-1", "iss-1", testEditor())
	wantDomainError(t, err, "LOCK_CONFLICT")
	if deleteCalled {
		t.Error("a locked section must not be deleted")
	}
}

func TestDeleteSectionWrongIssue(t *testing.T) {
	fs := &fakeStore{
		getSectionFn: func(ctx context.Context, id string) (store.Section, error) {
			return store.Section{ID: id, IssueID: "iss-other"}, nil
		},
	}
	svc := newTestService(fs, nil)

	err := svc.DeleteSection(context.Background(), "sec-1", "iss-1", testEditor())
	wantDomainError(t, err, "NOT_FOUND")
}

func TestUpdateOrderAcceptsPermutation(t *testing.T) {
	issue := "iss-1"
	sections := sectionsWithOrders(issue, 0, 1, 2)

	var gotOrders []store.SectionOrder
	fs := &fakeStore{
		listSectionsFn: func(ctx context.Context, issueID string) ([]store.Section, error) {
			return sections, nil
		},
		updateOrdersFn: func(ctx context.Context, orders []store.SectionOrder) error {
			gotOrders = orders
			return nil
		},
	}
	svc := newTestService(fs, nil)

	orders := []store.SectionOrder{
		{ID: sections[2].ID, Order: 0},
		{ID: sections[0].ID, Order: 1},
		{ID: sections[1].ID, Order: 2},
	}
	if err := svc.UpdateOrder(context.Background(), issue, orders); err != nil {
		t.Fatalf("UpdateOrder failed: %v", err)
	}
	if len(gotOrders) != 3 {
		t.Fatalf("expected the full batch to reach the store, got %d entries", len(gotOrders))
	}
}

func TestUpdateOrderRejectsBadBatches(t *testing.T) {
	issue := "iss-1"
	sections := sectionsWithOrders(issue, 0, 1, 2)
	fs := &fakeStore{
		listSectionsFn: func(ctx context.Context, issueID string) ([]store.Section, error) {
			return sections, nil
		},
		updateOrdersFn: func(ctx context.Context, orders []store.SectionOrder) error {
			t.Fatal("invalid batches must never reach the store")
			return nil
		},
	}
	svc := newTestService(fs, nil)

	cases := []struct {
		name   string
		orders []store.SectionOrder
	}{
		{"empty", nil},
		{"partial coverage", []store.SectionOrder{{ID: sections[0].ID, Order: 0}}},
		{"unknown id", []store.SectionOrder{
			{ID: "sec-ghost", Order: 0},
			{ID: sections[1].ID, Order: 1},
			{ID: sections[2].ID, Order: 2},
		}},
		{"duplicate id", []store.SectionOrder{
			{ID: sections[0].ID, Order: 0},
			{ID: sections[0].ID, Order: 1},
			{ID: sections[2].ID, Order: 2},
		}},
		{"duplicate order", []store.SectionOrder{
			{ID: sections[0].ID, Order: 0},
			{ID: sections[1].ID, Order: 0},
			{ID: sections[2].ID, Order: 2},
		}},
		{"order out of range", []store.SectionOrder{
			{ID: sections[0].ID, Order: 0},
			{ID: sections[1].ID, Order: 1},
			{ID: sections[2].ID, Order: 3},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.UpdateOrder(context.Background(), issue, tc.orders)
			wantDomainError(t, err, "VALIDATION_ERROR")
		})
	}
}

func TestUpdateOrderNotGatedByLocks(t *testing.T) {
	issue := "iss-1"
	sections := sectionsWithOrders(issue, 0, 1)
	fs := &fakeStore{
		listSectionsFn: func(ctx context.Context, issueID string) ([]store.Section, error) {
			return sections, nil
		},
	}
	fl := &fakeLocks{
		getFn: func(ctx context.Context, sectionID string) (*lock.Lease, error) {
			t.Fatal("reordering must not consult the lock table")
			return nil, nil
		},
	}
	svc := newTestService(fs, fl)

	orders := []store.SectionOrder{
		{ID: sections[1].ID, Order: 0},
		{ID: sections[0].ID, Order: 1},
	}
	if err := svc.UpdateOrder(context.Background(), issue, orders); err != nil {
		t.Fatalf("UpdateOrder failed: %v", err)
	}
}

func TestCreateFromTemplateContinuesOrders(t *testing.T) {
	issue := "iss-1"
	var gotSections []store.Section
	fs := &fakeStore{
		listSectionsFn: func(ctx context.Context, issueID string) ([]store.Section, error) {
			return sectionsWithOrders(issueID, 0, 1, 2, 3, 4), nil
		},
		insertSectionsFn: func(ctx context.Context, issueID string, sections []store.Section, name, email string) error {
			gotSections = sections
			return nil
		},
	}
	svc := newTestService(fs, nil)

	templates := []SectionInput{
		{Type: "feature", Title: "Gloss Lab"},
		{Type: "spotlight", Title: "Editor Picks"},
		{Type: "guide", Title: "Routine Builder"},
	}
	created, err := svc.CreateFromTemplate(context.Background(), issue, templates, testEditor())
	if err != nil {
		t.Fatalf("CreateFromTemplate failed: %v", err)
	}
	if len(created) != 3 || len(gotSections) != 3 {
		t.Fatalf("expected 3 sections, got %d created / %d stored", len(created), len(gotSections))
	}
	for i, section := range created {
		if want := 5 + i; section.Order != want {
			t.Errorf("template %d: expected order %d, got %d", i, want, section.Order)
		}
		if section.Version != 1 {
			t.Errorf("template %d: new sections start at version 1, got %d", i, section.Version)
		}
	}
}

func TestCreateFromTemplateEmptyBatch(t *testing.T) {
	svc := newTestService(nil, nil)

	_, err := svc.CreateFromTemplate(context.Background(), "iss-1", nil, testEditor())
	wantDomainError(t, err, "VALIDATION_ERROR")
}

func TestMigrateLegacyIssue(t *testing.T) {
	legacy, err := json.Marshal([]store.LegacySection{
		{Type: "cover", Title: "Winter Archive"},
		{Type: "feature", Title: "Retinol Myths", Content: json.RawMessage(`{"body":"text"}`)},
	})
	if err != nil {
		t.Fatal(err)
	}

	var gotSections []store.Section
	fs := &fakeStore{
		getIssueFn: func(ctx context.Context, id string) (store.Issue, error) {
			return store.Issue{ID: id, LegacySections: legacy}, nil
		},
		migrateIssueFn: func(ctx context.Context, issueID string, sections []store.Section, name, email string) error {
			gotSections = sections
			return nil
		},
	}
	svc := newTestService(fs, nil)

	created, err := svc.MigrateLegacyIssue(context.Background(), "iss-legacy", testEditor())
	if err != nil {
		t.Fatalf("MigrateLegacyIssue failed: %v", err)
	}
	if len(created) != 2 || len(gotSections) != 2 {
		t.Fatalf("expected 2 migrated sections, got %d / %d", len(created), len(gotSections))
	}
	for i, section := range created {
		if section.Order != i {
			t.Errorf("migrated section %d must keep its array position, got order %d", i, section.Order)
		}
	}
	if created[0].Title != "Winter Archive" || created[1].Type != "feature" {
		t.Errorf("legacy fields not carried over: %+v", created)
	}
	if string(created[1].Content) != `{"body":"text"}` {
		t.Errorf("legacy content not carried over: %s", created[1].Content)
	}
}

func TestMigrateLegacyIssueAlreadyMigrated(t *testing.T) {
	fs := &fakeStore{
		getIssueFn: func(ctx context.Context, id string) (store.Issue, error) {
			return store.Issue{ID: id, Migrated: true}, nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.MigrateLegacyIssue(context.Background(), "iss-legacy", testEditor())
	wantDomainError(t, err, "VALIDATION_ERROR")
}

func TestMigrateLegacyIssueRaceLosesToFirstWriter(t *testing.T) {
	fs := &fakeStore{
		getIssueFn: func(ctx context.Context, id string) (store.Issue, error) {
			return store.Issue{ID: id, LegacySections: json.RawMessage(`[{"type":"cover"}]`)}, nil
		},
		migrateIssueFn: func(ctx context.Context, issueID string, sections []store.Section, name, email string) error {
			return store.ErrAlreadyMigrated
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.MigrateLegacyIssue(context.Background(), "iss-legacy", testEditor())
	wantDomainError(t, err, "VALIDATION_ERROR")
}

func TestAcquireLockSuccess(t *testing.T) {
	fs := &fakeStore{
		getSectionFn: func(ctx context.Context, id string) (store.Section, error) {
			return store.Section{ID: id, IssueID: "iss-1"}, nil
		},
	}
	svc := newTestService(fs, nil)

	result, err := svc.AcquireLock(context.Background(), "sec-1", testEditor(), "tab-1")
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}
	if result.LockedBy != "usr-a" || result.LockedTabID != "tab-1" {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.LockExpiresAt.IsZero() {
		t.Error("successful acquires must report the expiry")
	}
}

func TestAcquireLockConflictPayload(t *testing.T) {
	fs := &fakeStore{
		getSectionFn: func(ctx context.Context, id string) (store.Section, error) {
			return store.Section{ID: id, IssueID: "iss-1"}, nil
		},
	}
	fl := &fakeLocks{
		acquireFn: func(ctx context.Context, sectionID string, editor lock.Editor, tabID string) (lock.AcquireResult, error) {
			return lock.AcquireResult{
				Lease: lock.Lease{
					UserID:    "usr-b",
					UserName:  "Bea",
					UserEmail: "bea@gloss.dev",
					TabID:     "tab-9",
					ExpiresAt: testNow.Add(90 * time.Second),
				},
			}, nil
		},
	}
	svc := newTestService(fs, fl)

	result, err := svc.AcquireLock(context.Background(), "sec-1", testEditor(), "tab-1")
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if result.Success {
		t.Fatal("expected conflict")
	}
	if result.LockedBy != "usr-b" || result.LockedByName != "Bea" {
		t.Errorf("conflict must carry the holder, got %+v", result)
	}
	if result.RemainingSeconds != 90 {
		t.Errorf("expected 90 remaining seconds, got %d", result.RemainingSeconds)
	}
	if result.IsMultiTabConflict || result.AllowTransfer {
		t.Error("a foreign holder is not a multi-tab conflict")
	}
}

func TestAcquireLockMultiTabOffersTransfer(t *testing.T) {
	fs := &fakeStore{
		getSectionFn: func(ctx context.Context, id string) (store.Section, error) {
			return store.Section{ID: id, IssueID: "iss-1"}, nil
		},
	}
	fl := &fakeLocks{
		acquireFn: func(ctx context.Context, sectionID string, editor lock.Editor, tabID string) (lock.AcquireResult, error) {
			return lock.AcquireResult{
				MultiTab: true,
				Lease: lock.Lease{
					UserID:    editor.ID,
					TabID:     "tab-1",
					ExpiresAt: testNow.Add(time.Minute),
				},
			}, nil
		},
	}
	svc := newTestService(fs, fl)

	result, err := svc.AcquireLock(context.Background(), "sec-1", testEditor(), "tab-2")
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if result.Success {
		t.Fatal("expected multi-tab conflict")
	}
	if !result.IsMultiTabConflict || !result.AllowTransfer {
		t.Errorf("multi-tab conflicts must offer a transfer, got %+v", result)
	}
	if result.LockedTabID != "tab-1" {
		t.Errorf("conflict must name the holding tab, got %q", result.LockedTabID)
	}
}

func TestAcquireLockRequiresTabID(t *testing.T) {
	svc := newTestService(nil, nil)

	_, err := svc.AcquireLock(context.Background(), "sec-1", testEditor(), "  ")
	wantDomainError(t, err, "VALIDATION_ERROR")
}

func TestAcquireLockUnknownSection(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	_, err := svc.AcquireLock(context.Background(), "sec-nope", testEditor(), "tab-1")
	wantDomainError(t, err, "NOT_FOUND")
}

func TestAcquireLockRefreshesActiveEditors(t *testing.T) {
	var gotCount = -1
	fs := &fakeStore{
		getSectionFn: func(ctx context.Context, id string) (store.Section, error) {
			return store.Section{ID: id, IssueID: "iss-1"}, nil
		},
		listSectionsFn: func(ctx context.Context, issueID string) ([]store.Section, error) {
			return sectionsWithOrders(issueID, 0, 1), nil
		},
		setActiveEditorsFn: func(ctx context.Context, id string, n int) error {
			gotCount = n
			return nil
		},
	}
	fl := &fakeLocks{
		getManyFn: func(ctx context.Context, ids []string) (map[string]*lock.Lease, error) {
			return map[string]*lock.Lease{
				ids[0]: {UserID: "usr-a", ExpiresAt: testNow.Add(time.Minute)},
				ids[1]: {UserID: "usr-b", ExpiresAt: testNow.Add(-time.Minute)}, // expired
			}, nil
		},
	}
	svc := newTestService(fs, fl)

	if _, err := svc.AcquireLock(context.Background(), "sec-1", testEditor(), "tab-1"); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if gotCount != 1 {
		t.Errorf("expected 1 active editor (expired leases excluded), got %d", gotCount)
	}
}

func TestTransferLockConflict(t *testing.T) {
	fl := &fakeLocks{
		transferFn: func(ctx context.Context, sectionID string, editor lock.Editor, tabID string, force bool) (lock.TransferResult, error) {
			return lock.TransferResult{
				SameUser: true,
				Holder:   lock.Lease{UserID: editor.ID, TabID: "tab-1"},
			}, nil
		},
	}
	svc := newTestService(nil, fl)

	result, err := svc.TransferLock(context.Background(), "sec-1", testEditor(), "tab-2", false)
	if err != nil {
		t.Fatalf("TransferLock failed: %v", err)
	}
	if result.Success || !result.Conflict {
		t.Fatalf("expected conflict, got %+v", result)
	}
	if result.HeldTab != "tab-1" {
		t.Errorf("conflict must name the holding tab, got %q", result.HeldTab)
	}
}

func TestListSectionsSortedWithLockStatus(t *testing.T) {
	issue := "iss-1"
	fs := &fakeStore{
		listSectionsFn: func(ctx context.Context, issueID string) ([]store.Section, error) {
			// Deliberately unsorted: the store does not order rows.
			return []store.Section{
				{ID: "sec-c", IssueID: issueID, Order: 2},
				{ID: "sec-a", IssueID: issueID, Order: 0},
				{ID: "sec-b", IssueID: issueID, Order: 1},
			}, nil
		},
	}
	fl := &fakeLocks{
		getManyFn: func(ctx context.Context, ids []string) (map[string]*lock.Lease, error) {
			return map[string]*lock.Lease{
				"sec-b": {UserID: "usr-b", UserName: "Bea", ExpiresAt: testNow.Add(time.Minute)},
			}, nil
		},
	}
	svc := newTestService(fs, fl)

	views, err := svc.ListSections(context.Background(), issue, "usr-a")
	if err != nil {
		t.Fatalf("ListSections failed: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(views))
	}
	for i, view := range views {
		if view.Order != i {
			t.Errorf("position %d: expected order %d, got %d (%s)", i, i, view.Order, view.ID)
		}
	}
	if views[1].LockStatus.CanEdit {
		t.Error("sec-b is held by another editor, viewer must not be able to edit")
	}
	if !views[0].LockStatus.CanEdit || !views[2].LockStatus.CanEdit {
		t.Error("unlocked sections must be editable")
	}
	if views[1].LockStatus.LockedByName != "Bea" {
		t.Errorf("lock status must carry the holder, got %+v", views[1].LockStatus)
	}
}

func TestSearchUnavailableWithoutIndex(t *testing.T) {
	svc := newTestService(nil, nil)

	_, _, err := svc.Search(context.Background(), search.Query{Text: "glow"})
	domErr := wantDomainError(t, err, "SEARCH_UNAVAILABLE")
	if domErr.Status != 503 {
		t.Errorf("expected 503, got %d", domErr.Status)
	}
}
