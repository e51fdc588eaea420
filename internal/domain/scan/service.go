package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wheezy049/dicomscan/internal/platform/blobstore"
	"github.com/wheezy049/dicomscan/pkg/pagination"
)

var (
	// ErrMissingInput means the submission lacked files, a user, or a
	// required form field.
	ErrMissingInput = errors.New("missing required input")
	// ErrValidation means a form field had an invalid value.
	ErrValidation = errors.New("invalid form input")
	// ErrPersistence means inference succeeded but one or more records
	// could not be saved. The result is still returned alongside it.
	ErrPersistence = errors.New("failed to save scan record")
	// ErrBusy rejects a submission while another is in flight.
	ErrBusy = errors.New("a submission is already in progress")
)

// Notifier surfaces submission progress to the user. Begin shows an
// in-progress notice; End dismisses it.
type Notifier interface {
	Begin(msg string)
	End()
}

type nopNotifier struct{}

func (nopNotifier) Begin(string) {}
func (nopNotifier) End()         {}

// SubmitOutcome is what a submission produced. UploadFailures lists files
// that could not be stored; they were still analyzed but have no record.
type SubmitOutcome struct {
	Result         *ScanResult `json:"result"`
	RecordsCreated int         `json:"records_created"`
	UploadFailures []string    `json:"upload_failures,omitempty"`
}

// Service orchestrates submissions and the scan history.
type Service struct {
	repo     ScanRecordRepository
	store    blobstore.Store
	bucket   string
	infer    Inference
	cache    *RecordCache
	notifier Notifier
	logger   zerolog.Logger

	// One submission per user at a time; other users are unaffected.
	submitMu sync.Mutex
	inFlight map[uuid.UUID]struct{}

	mu         sync.Mutex
	lastResult map[uuid.UUID]*ScanResult

	// now is swapped in tests for stable storage paths.
	now func() time.Time
}

func NewService(repo ScanRecordRepository, store blobstore.Store, bucket string, infer Inference, notifier Notifier, logger zerolog.Logger) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{
		repo:       repo,
		store:      store,
		bucket:     bucket,
		infer:      infer,
		cache:      NewRecordCache(repo),
		notifier:   notifier,
		logger:     logger,
		inFlight:   make(map[uuid.UUID]struct{}),
		lastResult: make(map[uuid.UUID]*ScanResult),
		now:        time.Now,
	}
}

// Submit runs the full pipeline: validate, upload every file, call
// inference once for the batch, then persist one record per uploaded file.
// A file whose upload failed is still analyzed; it just ends up without a
// record. Only one submission may run at a time per user.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, files []ClassifiedFile, form PatientForm) (*SubmitOutcome, error) {
	if err := validateSubmission(userID, files, form); err != nil {
		return nil, err
	}
	if !s.acquire(userID) {
		return nil, ErrBusy
	}
	defer s.release(userID)

	s.notifier.Begin("Analyzing scan, please wait...")
	var dismissed sync.Once
	dismiss := func() { dismissed.Do(s.notifier.End) }
	defer dismiss()

	type uploaded struct {
		name string
		path string
	}
	var (
		stored   []uploaded
		failures []string
	)
	for _, f := range files {
		path := fmt.Sprintf("%s/%d-%s", userID, s.now().UnixMilli(), f.Name)
		if _, err := s.store.Put(ctx, s.bucket, path, bytes.NewReader(f.Data)); err != nil {
			s.logger.Error().Err(err).Str("file", f.Name).Msg("upload failed")
			failures = append(failures, f.Name)
			continue
		}
		stored = append(stored, uploaded{name: f.Name, path: path})
	}

	result, err := s.infer.Predict(ctx, files, form.Threshold)
	if err != nil {
		s.setLastResult(userID, nil)
		return nil, err
	}
	s.setLastResult(userID, result)

	outcome := &SubmitOutcome{Result: result, UploadFailures: failures}
	var persistErr error
	for _, u := range stored {
		rec := &ScanRecord{UserID: userID, FilePath: u.path, Result: result}
		if err := s.repo.Create(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("path", u.path).Msg("failed to save scan record")
			persistErr = fmt.Errorf("%w: %s", ErrPersistence, u.name)
			continue
		}
		outcome.RecordsCreated++
	}

	dismiss()
	if refreshErr := s.cache.Refresh(ctx, userID); refreshErr != nil {
		s.logger.Warn().Err(refreshErr).Msg("history refresh after submit failed")
	}

	s.logger.Info().
		Str("user_id", userID.String()).
		Int("files", len(files)).
		Int("records", outcome.RecordsCreated).
		Int("upload_failures", len(failures)).
		Msg("submission completed")
	return outcome, persistErr
}

func validateSubmission(userID uuid.UUID, files []ClassifiedFile, form PatientForm) error {
	if userID == uuid.Nil {
		return fmt.Errorf("%w: not signed in", ErrMissingInput)
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: no files selected", ErrMissingInput)
	}
	if form.Name == "" {
		return fmt.Errorf("%w: patient name", ErrMissingInput)
	}
	if form.Age == "" {
		return fmt.Errorf("%w: patient age", ErrMissingInput)
	}
	if form.Gender == "" {
		return fmt.Errorf("%w: patient gender", ErrMissingInput)
	}
	if form.Threshold < 0 || form.Threshold > 1 {
		return fmt.Errorf("%w: threshold must be between 0 and 1", ErrValidation)
	}
	return nil
}

func (s *Service) acquire(userID uuid.UUID) bool {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	if _, busy := s.inFlight[userID]; busy {
		return false
	}
	s.inFlight[userID] = struct{}{}
	return true
}

func (s *Service) release(userID uuid.UUID) {
	s.submitMu.Lock()
	delete(s.inFlight, userID)
	s.submitMu.Unlock()
}

func (s *Service) setLastResult(userID uuid.UUID, r *ScanResult) {
	s.mu.Lock()
	if r == nil {
		delete(s.lastResult, userID)
	} else {
		s.lastResult[userID] = r
	}
	s.mu.Unlock()
}

// LastResult returns the result of the user's most recent successful
// submission, or nil after a failed one.
func (s *Service) LastResult(userID uuid.UUID) *ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult[userID]
}

// History refreshes the user's cache entry from storage and returns the
// requested page.
func (s *Service) History(ctx context.Context, userID uuid.UUID, p pagination.Params) (*pagination.Response, error) {
	if err := s.cache.Refresh(ctx, userID); err != nil {
		return nil, err
	}
	return s.cache.Page(userID, p), nil
}

// Record returns a single record, enforcing ownership.
func (s *Service) Record(ctx context.Context, userID, recordID uuid.UUID) (*ScanRecord, error) {
	rec, err := s.repo.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// DeleteRecord removes a record and refreshes the history.
func (s *Service) DeleteRecord(ctx context.Context, userID, recordID uuid.UUID) error {
	if _, err := s.Record(ctx, userID, recordID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, recordID); err != nil {
		return err
	}
	return s.cache.Refresh(ctx, userID)
}

// AttachReview validates and saves an expert review, replacing any previous
// one wholesale, then refreshes the history.
func (s *Service) AttachReview(ctx context.Context, userID, recordID uuid.UUID, review ExpertReview) (*ScanRecord, error) {
	if err := review.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := s.Record(ctx, userID, recordID); err != nil {
		return nil, err
	}

	review.ReviewedAt = s.now().UTC()
	if err := s.repo.SetReview(ctx, recordID, &review); err != nil {
		return nil, err
	}
	if err := s.cache.Refresh(ctx, userID); err != nil {
		s.logger.Warn().Err(err).Msg("history refresh after review failed")
	}
	return s.repo.GetByID(ctx, recordID)
}
