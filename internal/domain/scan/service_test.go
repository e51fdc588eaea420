package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wheezy049/dicomscan/internal/platform/blobstore"
	"github.com/wheezy049/dicomscan/pkg/pagination"
)

// -- Mocks --

type mockScanRepo struct {
	order      []uuid.UUID
	records    map[uuid.UUID]*ScanRecord
	failCreate bool
	failList   bool
}

func newMockScanRepo() *mockScanRepo {
	return &mockScanRepo{records: make(map[uuid.UUID]*ScanRecord)}
}

func (m *mockScanRepo) Create(_ context.Context, rec *ScanRecord) error {
	if m.failCreate {
		return fmt.Errorf("insert failed")
	}
	rec.ID = uuid.New()
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	return nil
}

func (m *mockScanRepo) GetByID(_ context.Context, id uuid.UUID) (*ScanRecord, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (m *mockScanRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]*ScanRecord, error) {
	if m.failList {
		return nil, fmt.Errorf("query failed")
	}
	var out []*ScanRecord
	for i := len(m.order) - 1; i >= 0; i-- { // newest first
		if rec, ok := m.records[m.order[i]]; ok && rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockScanRepo) SetReview(_ context.Context, id uuid.UUID, review *ExpertReview) error {
	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	rec.ExpertReview = review
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *mockScanRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(m.records, id)
	return nil
}

type mockInference struct {
	gotFiles     int
	gotThreshold float64
	result       *ScanResult
	err          error
}

func (m *mockInference) Predict(_ context.Context, files []ClassifiedFile, threshold float64) (*ScanResult, error) {
	m.gotFiles = len(files)
	m.gotThreshold = threshold
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockNotifier struct {
	begins int
	ends   int
}

func (m *mockNotifier) Begin(string) { m.begins++ }
func (m *mockNotifier) End()         { m.ends++ }

// failingStore rejects uploads whose path contains any of the given names.
type failingStore struct {
	*blobstore.MemoryStore
	failNames []string
}

func (s *failingStore) Put(ctx context.Context, bucket, path string, content io.Reader) (*blobstore.ObjectInfo, error) {
	for _, name := range s.failNames {
		if strings.Contains(path, name) {
			return nil, fmt.Errorf("storage rejected %s", name)
		}
	}
	return s.MemoryStore.Put(ctx, bucket, path, content)
}

type serviceFixture struct {
	svc      *Service
	repo     *mockScanRepo
	infer    *mockInference
	notifier *mockNotifier
	store    *failingStore
	userID   uuid.UUID
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		repo:     newMockScanRepo(),
		infer:    &mockInference{result: &ScanResult{Findings: []Finding{{Prediction: "normal", Confidence: 0.9}}}},
		notifier: &mockNotifier{},
		store:    &failingStore{MemoryStore: blobstore.NewMemoryStore()},
		userID:   uuid.New(),
	}
	f.svc = NewService(f.repo, f.store, "user-scans", f.infer, f.notifier, zerolog.Nop())
	return f
}

func validForm() PatientForm {
	form := NewPatientForm()
	form.Name = "DOE^JANE"
	form.Age = "045Y"
	form.Gender = "F"
	return form
}

// -- Tests --

func TestSubmit_CreatesOneRecordPerFile(t *testing.T) {
	f := newServiceFixture()

	outcome, err := f.svc.Submit(context.Background(), f.userID, dicomBatch(3), validForm())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.RecordsCreated != 3 {
		t.Errorf("expected 3 records, got %d", outcome.RecordsCreated)
	}
	if f.infer.gotFiles != 3 {
		t.Errorf("expected 3 files sent to inference, got %d", f.infer.gotFiles)
	}
	if f.infer.gotThreshold != DefaultThreshold {
		t.Errorf("expected default threshold, got %v", f.infer.gotThreshold)
	}
	if f.notifier.begins != 1 || f.notifier.ends != 1 {
		t.Errorf("progress notice must show and dismiss exactly once, got %d/%d", f.notifier.begins, f.notifier.ends)
	}
	if f.svc.LastResult(f.userID) == nil {
		t.Error("expected last result to be set")
	}

	for _, rec := range f.repo.records {
		if !strings.HasPrefix(rec.FilePath, f.userID.String()+"/") {
			t.Errorf("storage path must be namespaced by user, got %s", rec.FilePath)
		}
	}
}

func TestSubmit_Validation(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, uuid.Nil, dicomBatch(1), validForm()); !errors.Is(err, ErrMissingInput) {
		t.Errorf("nil user: expected ErrMissingInput, got %v", err)
	}
	if _, err := f.svc.Submit(ctx, f.userID, nil, validForm()); !errors.Is(err, ErrMissingInput) {
		t.Errorf("no files: expected ErrMissingInput, got %v", err)
	}

	form := validForm()
	form.Name = ""
	if _, err := f.svc.Submit(ctx, f.userID, dicomBatch(1), form); !errors.Is(err, ErrMissingInput) {
		t.Errorf("missing name: expected ErrMissingInput, got %v", err)
	}

	form = validForm()
	form.Threshold = 1.5
	if _, err := f.svc.Submit(ctx, f.userID, dicomBatch(1), form); !errors.Is(err, ErrValidation) {
		t.Errorf("bad threshold: expected ErrValidation, got %v", err)
	}

	if f.notifier.begins != 0 {
		t.Error("rejected submissions must not show a progress notice")
	}
}

func TestSubmit_UploadFailureStillAnalyzed(t *testing.T) {
	f := newServiceFixture()
	f.store.failNames = []string{"f1.dcm"}

	outcome, err := f.svc.Submit(context.Background(), f.userID, dicomBatch(3), validForm())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.infer.gotFiles != 3 {
		t.Errorf("failed upload must still reach inference, got %d files", f.infer.gotFiles)
	}
	if outcome.RecordsCreated != 2 {
		t.Errorf("expected 2 records, got %d", outcome.RecordsCreated)
	}
	if len(outcome.UploadFailures) != 1 || outcome.UploadFailures[0] != "f1.dcm" {
		t.Errorf("unexpected upload failures: %v", outcome.UploadFailures)
	}
}

func TestSubmit_InferenceFailureClearsResult(t *testing.T) {
	f := newServiceFixture()

	// Seed a previous result.
	if _, err := f.svc.Submit(context.Background(), f.userID, dicomBatch(1), validForm()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.infer.err = fmt.Errorf("%w after 360s", ErrTimeout)
	_, err := f.svc.Submit(context.Background(), f.userID, dicomBatch(1), validForm())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if f.svc.LastResult(f.userID) != nil {
		t.Error("failed submission must clear the previous result")
	}
	if len(f.repo.records) != 1 {
		t.Errorf("failed submission must not add records, got %d", len(f.repo.records))
	}
	if f.notifier.ends != 2 {
		t.Errorf("progress notice must be dismissed on failure too, got %d", f.notifier.ends)
	}
}

func TestSubmit_PersistenceFailureStillReturnsResult(t *testing.T) {
	f := newServiceFixture()
	f.repo.failCreate = true

	outcome, err := f.svc.Submit(context.Background(), f.userID, dicomBatch(1), validForm())
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if outcome == nil || outcome.Result == nil {
		t.Fatal("result must be returned even when saving fails")
	}
	if outcome.RecordsCreated != 0 {
		t.Errorf("expected 0 records, got %d", outcome.RecordsCreated)
	}
}

func TestSubmit_RejectsConcurrentForSameUser(t *testing.T) {
	f := newServiceFixture()
	f.svc.submitMu.Lock()
	f.svc.inFlight[f.userID] = struct{}{}
	f.svc.submitMu.Unlock()

	if _, err := f.svc.Submit(context.Background(), f.userID, dicomBatch(1), validForm()); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}

	// Another user's submission must not be blocked by the first user's
	// in-flight one.
	otherUser := uuid.New()
	if _, err := f.svc.Submit(context.Background(), otherUser, dicomBatch(1), validForm()); err != nil {
		t.Errorf("other user must be able to submit, got %v", err)
	}
}

func TestHistory_PageClampAfterDelete(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	// 11 records: page 2 holds exactly one.
	for i := 0; i < 11; i++ {
		if _, err := f.svc.Submit(ctx, f.userID, dicomBatch(1), validForm()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	page2, err := f.svc.History(ctx, f.userID, pagination.Params{Page: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page2.TotalPages != 2 || len(page2.Data.([]*ScanRecord)) != 1 {
		t.Fatalf("expected 1 record on page 2 of 2, got %+v", page2)
	}

	// Deleting that record must clamp the view back to page 1.
	victim := page2.Data.([]*ScanRecord)[0]
	if err := f.svc.DeleteRecord(ctx, f.userID, victim.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after, err := f.svc.History(ctx, f.userID, pagination.Params{Page: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after.Page != 1 || after.TotalPages != 1 {
		t.Errorf("expected clamp to page 1, got page %d of %d", after.Page, after.TotalPages)
	}
	if len(after.Data.([]*ScanRecord)) != 10 {
		t.Errorf("expected a full page of 10, got %d", len(after.Data.([]*ScanRecord)))
	}
}

func TestHistory_NeverReturnsAnotherUsersRecords(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	otherUser := uuid.New()

	if _, err := f.svc.Submit(ctx, f.userID, dicomBatch(1), validForm()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.svc.Submit(ctx, otherUser, dicomBatch(1), validForm()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A refresh for one user between another user's refresh and page read
	// must not bleed records across users.
	if err := f.svc.cache.Refresh(ctx, f.userID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.svc.cache.Refresh(ctx, otherUser); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	page := f.svc.cache.Page(f.userID, pagination.Params{Page: 1})
	for _, rec := range page.Data.([]*ScanRecord) {
		if rec.UserID != f.userID {
			t.Fatalf("history for %s contains record owned by %s", f.userID, rec.UserID)
		}
	}

	// Concurrent history reads for distinct users stay isolated.
	var wg sync.WaitGroup
	for _, uid := range []uuid.UUID{f.userID, otherUser} {
		uid := uid
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				resp, err := f.svc.History(ctx, uid, pagination.Params{Page: 1})
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				for _, rec := range resp.Data.([]*ScanRecord) {
					if rec.UserID != uid {
						t.Errorf("history for %s contains record owned by %s", uid, rec.UserID)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestHistory_RefreshFailureEmptiesCache(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, f.userID, dicomBatch(1), validForm()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.repo.failList = true
	if _, err := f.svc.History(ctx, f.userID, pagination.Params{Page: 1}); err == nil {
		t.Fatal("expected refresh error")
	}
	if f.svc.cache.Len(f.userID) != 0 {
		t.Error("failed refresh must empty the cache, not serve stale rows")
	}
}

func TestDeleteRecord_EnforcesOwnership(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, f.userID, dicomBatch(1), validForm()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var recID uuid.UUID
	for id := range f.repo.records {
		recID = id
	}

	if err := f.svc.DeleteRecord(ctx, uuid.New(), recID); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("foreign record must look like not-found, got %v", err)
	}
	if err := f.svc.DeleteRecord(ctx, f.userID, recID); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAttachReview(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, f.userID, dicomBatch(1), validForm()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var recID uuid.UUID
	for id := range f.repo.records {
		recID = id
	}

	review := ExpertReview{Status: "abnormal", Details: "opacity in left lung", ReviewerName: "Dr. Osler"}
	rec, err := f.svc.AttachReview(ctx, f.userID, recID, review)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ExpertReview == nil || rec.ExpertReview.Status != "abnormal" {
		t.Fatalf("expected review attached, got %+v", rec.ExpertReview)
	}
	if rec.ExpertReview.ReviewedAt.IsZero() {
		t.Error("expected ReviewedAt stamped by the service")
	}

	// Re-submission replaces the review wholesale.
	second := ExpertReview{Status: "normal", Details: "resolved", ReviewerName: "Dr. Osler"}
	rec, err = f.svc.AttachReview(ctx, f.userID, recID, second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ExpertReview.Status != "normal" || rec.ExpertReview.AdditionalNotes != "" {
		t.Errorf("expected wholesale replacement, got %+v", rec.ExpertReview)
	}

	// Invalid reviews are rejected before touching storage.
	bad := ExpertReview{Status: "unsure", Details: "x", ReviewerName: "y"}
	if _, err := f.svc.AttachReview(ctx, f.userID, recID, bad); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}
