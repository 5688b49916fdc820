package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"gloss/api/internal/config"
	"gloss/api/internal/lock"
	"gloss/api/internal/search"
	"gloss/api/internal/store"
	"gloss/api/internal/util"
)

// SectionInput carries the caller-owned payload for a new section. Content
// is opaque to this subsystem.
type SectionInput struct {
	Type     string          `json:"type"`
	Title    string          `json:"title"`
	Subtitle string          `json:"subtitle"`
	Content  json.RawMessage `json:"content"`
}

// UpdateSectionInput carries a content update. Nil fields are left
// unchanged; identity and creation fields are not representable, so they
// cannot be overwritten. ExpectedVersion, when set, makes the write an
// optimistic compare-and-set.
type UpdateSectionInput struct {
	Type            *string         `json:"type"`
	Title           *string         `json:"title"`
	Subtitle        *string         `json:"subtitle"`
	Content         json.RawMessage `json:"content"`
	ExpectedVersion *int            `json:"expectedVersion"`
}

// SectionView is a section plus its lock status as seen by the viewer.
type SectionView struct {
	store.Section
	LockStatus lock.Status
}

// LockResult is the outcome of an acquire attempt. On failure it carries
// enough holder detail for the UI to render "being edited by X,
// available in N seconds".
type LockResult struct {
	Success            bool      `json:"success"`
	LockExpiresAt      time.Time `json:"lockExpiresAt,omitzero"`
	LockedBy           string    `json:"lockedBy,omitempty"`
	LockedByName       string    `json:"lockedByName,omitempty"`
	LockedByEmail      string    `json:"lockedByEmail,omitempty"`
	LockedTabID        string    `json:"lockedTabId,omitempty"`
	IsMultiTabConflict bool      `json:"isMultiTabConflict,omitempty"`
	AllowTransfer      bool      `json:"allowTransfer,omitempty"`
	RemainingSeconds   int       `json:"remainingSeconds,omitempty"`
}

// TransferResult is the outcome of a tab transfer attempt.
type TransferResult struct {
	Success  bool   `json:"success"`
	Conflict bool   `json:"conflict,omitempty"`
	HeldBy   string `json:"heldBy,omitempty"`
	HeldTab  string `json:"heldTabId,omitempty"`
}

type dataStore interface {
	GetIssue(context.Context, string) (store.Issue, error)
	ListIssues(context.Context) ([]store.Issue, error)
	InsertIssue(context.Context, store.Issue) error
	SetActiveEditors(context.Context, string, int) error
	ListSections(context.Context, string) ([]store.Section, error)
	GetSection(context.Context, string) (store.Section, error)
	InsertSectionWithCount(context.Context, store.Section) error
	UpdateSectionContent(context.Context, string, store.SectionPatch, string, string, *int) (store.Section, error)
	DeleteSectionWithCompaction(context.Context, string, string, []store.SectionOrder, string, string) error
	UpdateSectionOrders(context.Context, []store.SectionOrder) error
	InsertSectionsWithCount(context.Context, string, []store.Section, string, string) error
	MigrateIssue(context.Context, string, []store.Section, string, string) error
	Ping(context.Context) error
}

type lockTable interface {
	Acquire(context.Context, string, lock.Editor, string) (lock.AcquireResult, error)
	Release(context.Context, string, string) (bool, error)
	Transfer(context.Context, string, lock.Editor, string, bool) (lock.TransferResult, error)
	Get(context.Context, string) (*lock.Lease, error)
	GetMany(context.Context, []string) (map[string]*lock.Lease, error)
	Ping(context.Context) error
}

type sectionIndexer interface {
	IndexSection(search.SectionRecord) error
	IndexSections([]search.SectionRecord) error
	DeleteSection(string) error
	Search(search.Query) ([]search.Result, int, error)
	Healthy() bool
}

type Service struct {
	cfg    config.Config
	store  dataStore
	locks  lockTable
	search sectionIndexer
	now    func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, locks *lock.Table, meiliClient *search.Meili) *Service {
	svc := &Service{
		cfg:   cfg,
		store: dataStore,
		locks: locks,
		now:   time.Now,
	}
	if meiliClient != nil {
		svc.search = meiliClient
	}
	return svc
}

// Bootstrap seeds a demo issue when the database is empty, including one
// legacy-format issue so the migration path is exercisable out of the box.
func (s *Service) Bootstrap(ctx context.Context) error {
	issues, err := s.store.ListIssues(ctx)
	if err != nil {
		return err
	}
	if len(issues) > 0 {
		return nil
	}

	editor := lock.Editor{ID: "usr_seed", Name: "Margaux", Email: "margaux@gloss.dev"}

	issueID := "iss-" + util.NewID("")[:10]
	if err := s.store.InsertIssue(ctx, store.Issue{
		ID:             issueID,
		Title:          "The Glow Edit — Autumn",
		Status:         "Draft",
		UpdatedBy:      editor.Name,
		UpdatedByEmail: editor.Email,
	}); err != nil {
		return err
	}

	templates := []SectionInput{
		{Type: "cover", Title: "Autumn Radiance", Subtitle: "Seasonal skincare rituals"},
		{Type: "feature", Title: "The Barrier Repair Guide", Subtitle: "Ceramides, explained"},
		{Type: "spotlight", Title: "Founder Spotlight", Subtitle: "Behind a clean beauty lab"},
	}
	if _, err := s.CreateFromTemplate(ctx, issueID, templates, editor); err != nil {
		return err
	}

	legacy, err := json.Marshal([]store.LegacySection{
		{Type: "cover", Title: "Winter Archive", Subtitle: "From the 2024 print run"},
		{Type: "feature", Title: "Retinol Myths", Subtitle: "What the studies say"},
	})
	if err != nil {
		return fmt.Errorf("marshal legacy seed: %w", err)
	}
	return s.store.InsertIssue(ctx, store.Issue{
		ID:             "iss-legacy-demo",
		Title:          "Winter Archive (legacy)",
		Status:         "Archived",
		LegacySections: legacy,
		UpdatedBy:      editor.Name,
		UpdatedByEmail: editor.Email,
	})
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingLocks(ctx context.Context) error {
	return s.locks.Ping(ctx)
}

// AcquireLock takes the edit lease on a section. Expired leases are
// reclaimable by anyone; a lease held by the same user in another tab is a
// multi-tab conflict the UI must resolve via transfer.
func (s *Service) AcquireLock(ctx context.Context, sectionID string, editor lock.Editor, tabID string) (LockResult, error) {
	if strings.TrimSpace(tabID) == "" {
		return LockResult{}, errValidation("tabId is required", nil)
	}
	section, err := s.store.GetSection(ctx, sectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return LockResult{}, errNotFound("Section not found")
	}
	if err != nil {
		return LockResult{}, fmt.Errorf("load section: %w", err)
	}

	result, err := s.locks.Acquire(ctx, sectionID, editor, tabID)
	if err != nil {
		return LockResult{}, fmt.Errorf("acquire lease: %w", err)
	}

	if result.Acquired {
		s.refreshActiveEditors(ctx, section.IssueID)
		return LockResult{
			Success:       true,
			LockExpiresAt: result.Lease.ExpiresAt,
			LockedBy:      editor.ID,
			LockedTabID:   tabID,
		}, nil
	}

	holder := result.Lease
	remaining := int(holder.ExpiresAt.Sub(s.now()).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return LockResult{
		Success:            false,
		LockedBy:           holder.UserID,
		LockedByName:       holder.UserName,
		LockedByEmail:      holder.UserEmail,
		LockedTabID:        holder.TabID,
		IsMultiTabConflict: result.MultiTab,
		AllowTransfer:      result.MultiTab,
		RemainingSeconds:   remaining,
	}, nil
}

// ReleaseLock clears the lease if the caller holds it; otherwise it is a
// no-op reporting false.
func (s *Service) ReleaseLock(ctx context.Context, sectionID, userID string) (bool, error) {
	released, err := s.locks.Release(ctx, sectionID, userID)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	if released {
		if section, err := s.store.GetSection(ctx, sectionID); err == nil {
			s.refreshActiveEditors(ctx, section.IssueID)
		}
	}
	return released, nil
}

// TransferLock reassigns the caller's lease to a new tab. A lease held by
// another of the caller's tabs requires force; a different user's lease
// never transfers.
func (s *Service) TransferLock(ctx context.Context, sectionID string, editor lock.Editor, newTabID string, force bool) (TransferResult, error) {
	if strings.TrimSpace(newTabID) == "" {
		return TransferResult{}, errValidation("tabId is required", nil)
	}
	result, err := s.locks.Transfer(ctx, sectionID, editor, newTabID, force)
	if err != nil {
		return TransferResult{}, fmt.Errorf("transfer lease: %w", err)
	}
	if result.Transferred {
		return TransferResult{Success: true}, nil
	}
	return TransferResult{
		Conflict: true,
		HeldBy:   result.Holder.UserID,
		HeldTab:  result.Holder.TabID,
	}, nil
}

// GetIssue returns one issue.
func (s *Service) GetIssue(ctx context.Context, issueID string) (store.Issue, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Issue{}, errNotFound("Issue not found")
	}
	if err != nil {
		return store.Issue{}, fmt.Errorf("load issue: %w", err)
	}
	return issue, nil
}

// ListSections returns an issue's sections sorted by order, each with the
// viewer's computed lock status.
func (s *Service) ListSections(ctx context.Context, issueID, viewerID string) ([]SectionView, error) {
	if _, err := s.GetIssue(ctx, issueID); err != nil {
		return nil, err
	}
	sections, err := s.store.ListSections(ctx, issueID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i].Order < sections[j].Order })

	ids := make([]string, len(sections))
	for i, section := range sections {
		ids[i] = section.ID
	}
	leases, err := s.locks.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("read leases: %w", err)
	}

	now := s.now()
	views := make([]SectionView, 0, len(sections))
	for _, section := range sections {
		views = append(views, SectionView{
			Section:    section,
			LockStatus: lock.ComputeStatus(leases[section.ID], viewerID, now),
		})
	}
	return views, nil
}

// CreateSection appends a new section at the end of the issue's order. The
// section insert and the issue counter update commit atomically.
func (s *Service) CreateSection(ctx context.Context, issueID string, input SectionInput, editor lock.Editor) (store.Section, error) {
	if _, err := s.GetIssue(ctx, issueID); err != nil {
		return store.Section{}, err
	}
	siblings, err := s.store.ListSections(ctx, issueID)
	if err != nil {
		return store.Section{}, fmt.Errorf("list sections: %w", err)
	}

	section := s.newSection(issueID, input, nextOrder(siblings), editor)
	if err := s.store.InsertSectionWithCount(ctx, section); err != nil {
		return store.Section{}, fmt.Errorf("create section: %w", err)
	}

	s.indexSection(section)
	return section, nil
}

// UpdateSection applies a content update. The write is gated by the lock
// check (holder, unlocked, or expired lease) and, when ExpectedVersion is
// set, by a version match. On success the version increments by exactly 1;
// every failure path leaves the section untouched.
func (s *Service) UpdateSection(ctx context.Context, sectionID string, input UpdateSectionInput, editor lock.Editor) (store.Section, error) {
	if _, err := s.getSection(ctx, sectionID); err != nil {
		return store.Section{}, err
	}
	if err := s.checkEditable(ctx, sectionID, editor.ID); err != nil {
		return store.Section{}, err
	}

	patch := store.SectionPatch{
		Type:     input.Type,
		Title:    input.Title,
		Subtitle: input.Subtitle,
		Content:  input.Content,
	}
	updated, err := s.store.UpdateSectionContent(ctx, sectionID, patch, editor.Name, editor.Email, input.ExpectedVersion)
	if errors.Is(err, store.ErrVersionConflict) {
		return store.Section{}, errVersionConflict()
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.Section{}, errNotFound("Section not found")
	}
	if err != nil {
		return store.Section{}, fmt.Errorf("update section: %w", err)
	}

	s.indexSection(updated)
	return updated, nil
}

// DeleteSection removes a section and compacts the remaining siblings'
// orders back to 0..N-1 in one transaction. Deletion respects content
// locks: a section another editor holds a live lease on cannot be removed.
func (s *Service) DeleteSection(ctx context.Context, sectionID, issueID string, editor lock.Editor) error {
	section, err := s.getSection(ctx, sectionID)
	if err != nil {
		return err
	}
	if section.IssueID != issueID {
		return errNotFound("Section not found in issue")
	}
	if err := s.checkEditable(ctx, sectionID, editor.ID); err != nil {
		return err
	}

	siblings, err := s.store.ListSections(ctx, issueID)
	if err != nil {
		return fmt.Errorf("list sections: %w", err)
	}
	orders := compactOrders(siblings, sectionID)

	if err := s.store.DeleteSectionWithCompaction(ctx, sectionID, issueID, orders, editor.Name, editor.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Section not found")
		}
		return fmt.Errorf("delete section: %w", err)
	}

	// Drop our own lease if we held one; a stranded lease expires on its own.
	_, _ = s.locks.Release(ctx, sectionID, editor.ID)
	s.deleteFromIndex(sectionID)
	s.refreshActiveEditors(ctx, issueID)
	return nil
}

// UpdateOrder applies a full reorder of an issue's sections as one atomic
// batch. The requested orders must be a permutation of 0..N-1 over exactly
// the issue's current sections. Reordering is structural and is not gated
// by content locks.
func (s *Service) UpdateOrder(ctx context.Context, issueID string, orders []store.SectionOrder) error {
	if len(orders) == 0 {
		return errValidation("orders must not be empty", nil)
	}
	sections, err := s.store.ListSections(ctx, issueID)
	if err != nil {
		return fmt.Errorf("list sections: %w", err)
	}
	if err := validateOrders(sections, orders); err != nil {
		return err
	}
	if err := s.store.UpdateSectionOrders(ctx, orders); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

// CreateFromTemplate bulk-creates sections from templates. All N inserts
// plus the issue counter update commit as one transaction; orders continue
// from the current maximum.
func (s *Service) CreateFromTemplate(ctx context.Context, issueID string, templates []SectionInput, editor lock.Editor) ([]store.Section, error) {
	if len(templates) == 0 {
		return nil, errValidation("templates must not be empty", nil)
	}
	if _, err := s.GetIssue(ctx, issueID); err != nil {
		return nil, err
	}
	siblings, err := s.store.ListSections(ctx, issueID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}

	startOrder := nextOrder(siblings)
	sections := make([]store.Section, 0, len(templates))
	for i, template := range templates {
		sections = append(sections, s.newSection(issueID, template, startOrder+i, editor))
	}

	if err := s.store.InsertSectionsWithCount(ctx, issueID, sections, editor.Name, editor.Email); err != nil {
		return nil, fmt.Errorf("create from template: %w", err)
	}

	s.indexSections(sections)
	return sections, nil
}

// MigrateLegacyIssue normalizes an issue's embedded legacy sections array
// into section rows, ordered by their array index. Re-running against an
// already-migrated issue fails validation.
func (s *Service) MigrateLegacyIssue(ctx context.Context, issueID string, editor lock.Editor) ([]store.Section, error) {
	issue, err := s.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if issue.Migrated {
		return nil, errValidation("Issue is already migrated", nil)
	}

	var legacy []store.LegacySection
	if len(issue.LegacySections) > 0 {
		if err := json.Unmarshal(issue.LegacySections, &legacy); err != nil {
			return nil, errValidation("Legacy sections payload is malformed", err.Error())
		}
	}

	sections := make([]store.Section, 0, len(legacy))
	for i, item := range legacy {
		sections = append(sections, s.newSection(issueID, SectionInput{
			Type:     item.Type,
			Title:    item.Title,
			Subtitle: item.Subtitle,
			Content:  item.Content,
		}, i, editor))
	}

	if err := s.store.MigrateIssue(ctx, issueID, sections, editor.Name, editor.Email); err != nil {
		if errors.Is(err, store.ErrAlreadyMigrated) {
			return nil, errValidation("Issue is already migrated", nil)
		}
		return nil, fmt.Errorf("migrate issue: %w", err)
	}

	s.indexSections(sections)
	return sections, nil
}

// Search queries the sections index.
func (s *Service) Search(ctx context.Context, q search.Query) ([]search.Result, int, error) {
	if s.search == nil {
		return nil, 0, domainError(503, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	results, total, err := s.search.Search(q)
	if err != nil {
		return nil, 0, fmt.Errorf("search sections: %w", err)
	}
	return results, total, nil
}

func (s *Service) getSection(ctx context.Context, sectionID string) (store.Section, error) {
	section, err := s.store.GetSection(ctx, sectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Section{}, errNotFound("Section not found")
	}
	if err != nil {
		return store.Section{}, fmt.Errorf("load section: %w", err)
	}
	return section, nil
}

// checkEditable rejects writes while a different user holds a live lease.
func (s *Service) checkEditable(ctx context.Context, sectionID, userID string) error {
	lease, err := s.locks.Get(ctx, sectionID)
	if err != nil {
		return fmt.Errorf("read lease: %w", err)
	}
	status := lock.ComputeStatus(lease, userID, s.now())
	if status.CanEdit {
		return nil
	}
	return errLockConflict("Section is locked by another editor", map[string]any{
		"lockedBy":         status.LockedBy,
		"lockedByName":     status.LockedByName,
		"lockedByEmail":    status.LockedByEmail,
		"remainingSeconds": int(status.ExpiresIn.Seconds()),
	})
}

func (s *Service) newSection(issueID string, input SectionInput, order int, editor lock.Editor) store.Section {
	now := s.now().UTC()
	return store.Section{
		ID:                  util.NewID("sec"),
		IssueID:             issueID,
		Order:               order,
		Type:                input.Type,
		Title:               input.Title,
		Subtitle:            input.Subtitle,
		Content:             input.Content,
		Version:             1,
		CreatedAt:           now,
		CreatedBy:           editor.Name,
		CreatedByEmail:      editor.Email,
		LastModified:        now,
		LastModifiedBy:      editor.Name,
		LastModifiedByEmail: editor.Email,
	}
}

// refreshActiveEditors recounts the issue's distinct live lease holders and
// stores the result. Informational only; failures are logged, never fatal.
func (s *Service) refreshActiveEditors(ctx context.Context, issueID string) {
	sections, err := s.store.ListSections(ctx, issueID)
	if err != nil {
		log.Printf("active editors: list sections for %s: %v", issueID, err)
		return
	}
	ids := make([]string, len(sections))
	for i, section := range sections {
		ids[i] = section.ID
	}
	leases, err := s.locks.GetMany(ctx, ids)
	if err != nil {
		log.Printf("active editors: read leases for %s: %v", issueID, err)
		return
	}

	now := s.now()
	holders := map[string]struct{}{}
	for _, lease := range leases {
		if lease != nil && now.Before(lease.ExpiresAt) {
			holders[lease.UserID] = struct{}{}
		}
	}
	if err := s.store.SetActiveEditors(ctx, issueID, len(holders)); err != nil {
		log.Printf("active editors: store count for %s: %v", issueID, err)
	}
}

func (s *Service) indexSection(section store.Section) {
	if s.search == nil {
		return
	}
	if err := s.search.IndexSection(sectionRecord(section)); err != nil {
		log.Printf("search: index section %s: %v", section.ID, err)
	}
}

func (s *Service) indexSections(sections []store.Section) {
	if s.search == nil {
		return
	}
	records := make([]search.SectionRecord, 0, len(sections))
	for _, section := range sections {
		records = append(records, sectionRecord(section))
	}
	if err := s.search.IndexSections(records); err != nil {
		log.Printf("search: bulk index %d sections: %v", len(records), err)
	}
}

func (s *Service) deleteFromIndex(sectionID string) {
	if s.search == nil {
		return
	}
	if err := s.search.DeleteSection(sectionID); err != nil {
		log.Printf("search: delete section %s: %v", sectionID, err)
	}
}

func sectionRecord(section store.Section) search.SectionRecord {
	return search.SectionRecord{
		ID:       section.ID,
		IssueID:  section.IssueID,
		Type:     section.Type,
		Title:    section.Title,
		Subtitle: section.Subtitle,
	}
}

// nextOrder is one past the maximum existing order, or 0 for an empty issue.
func nextOrder(sections []store.Section) int {
	next := 0
	for _, section := range sections {
		if section.Order >= next {
			next = section.Order + 1
		}
	}
	return next
}

// compactOrders assigns 0..N-1 to the sections that remain after deleting
// deletedID, preserving their current relative order.
func compactOrders(sections []store.Section, deletedID string) []store.SectionOrder {
	remaining := make([]store.Section, 0, len(sections))
	for _, section := range sections {
		if section.ID != deletedID {
			remaining = append(remaining, section)
		}
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].Order < remaining[j].Order })

	orders := make([]store.SectionOrder, len(remaining))
	for i, section := range remaining {
		orders[i] = store.SectionOrder{ID: section.ID, Order: i}
	}
	return orders
}

// validateOrders requires the request to cover exactly the issue's sections
// with a permutation of 0..N-1.
func validateOrders(sections []store.Section, orders []store.SectionOrder) error {
	if len(orders) != len(sections) {
		return errValidation("orders must cover every section of the issue", map[string]any{
			"expected": len(sections),
			"got":      len(orders),
		})
	}
	known := make(map[string]struct{}, len(sections))
	for _, section := range sections {
		known[section.ID] = struct{}{}
	}
	seenID := make(map[string]struct{}, len(orders))
	seenOrder := make(map[int]struct{}, len(orders))
	for _, order := range orders {
		if _, ok := known[order.ID]; !ok {
			return errValidation("unknown section id in order update", order.ID)
		}
		if _, dup := seenID[order.ID]; dup {
			return errValidation("duplicate section id in order update", order.ID)
		}
		seenID[order.ID] = struct{}{}
		if order.Order < 0 || order.Order >= len(orders) {
			return errValidation("order values must form the range 0..N-1", order.Order)
		}
		if _, dup := seenOrder[order.Order]; dup {
			return errValidation("duplicate order value in order update", order.Order)
		}
		seenOrder[order.Order] = struct{}{}
	}
	return nil
}
