// Package scan implements the upload-to-diagnosis pipeline: file
// classification, archive expansion, DICOM metadata extraction, preview
// navigation, submission to the remote inference service, and the per-user
// scan record store.
package scan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an input file by its extension.
type Kind int

const (
	KindUnsupported Kind = iota
	KindDicom
	KindImage
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindDicom:
		return "dicom"
	case KindImage:
		return "image"
	case KindArchive:
		return "archive"
	default:
		return "unsupported"
	}
}

// InputFile is an ephemeral user-supplied file. It is discarded after
// submission or an explicit clear.
type InputFile struct {
	Name string
	Data []byte
}

func (f InputFile) Size() int64 { return int64(len(f.Data)) }

// ClassifiedFile pairs an input file with its kind.
type ClassifiedFile struct {
	InputFile
	Kind Kind
}

// NotAvailable is the sentinel for DICOM tags that are absent or empty.
const NotAvailable = "N/A"

// Metadata holds the four tagged fields read from a DICOM header.
type Metadata struct {
	PatientName string `json:"patient_name"`
	PatientAge  string `json:"patient_age"`
	StudyDate   string `json:"study_date"`
	Modality    string `json:"modality"`
	FileName    string `json:"file_name"`
}

// PatientForm is the submission form state. The auth fields are transient
// and shared with the sign-in/sign-up forms; they never reach the inference
// service.
type PatientForm struct {
	Name     string `json:"name"`
	Age      string `json:"age"`
	Gender   string `json:"gender"`
	Clinical string `json:"clinical"`
	Date     string `json:"date"`

	FullName string `json:"full_name,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"-"`

	// Threshold is the detection cutoff passed to the inference service.
	Threshold float64 `json:"threshold"`
}

// DefaultThreshold is the detection cutoff used when the form does not set
// one explicitly.
const DefaultThreshold = 0.5

func NewPatientForm() PatientForm {
	return PatientForm{Threshold: DefaultThreshold}
}

// DisabledFields mirrors which form fields were auto-populated from DICOM
// tags and are locked against manual edit until the form is reset.
type DisabledFields struct {
	Name     bool `json:"name"`
	Age      bool `json:"age"`
	Clinical bool `json:"clinical"`
	Date     bool `json:"date"`
}

// Finding is a single prediction returned by the inference service.
// Confidence and uncertainty are independently reported, not complementary.
type Finding struct {
	Prediction  string  `json:"prediction"`
	Confidence  float64 `json:"confidence"`
	Uncertainty float64 `json:"uncertainty"`
	Image       string  `json:"image,omitempty"`
}

// ScanResult is the normalized inference response.
type ScanResult struct {
	Findings []Finding `json:"findings"`
}

// ParseScanResult normalizes the inference response body. The service has
// shipped three shapes over time: a bare finding object, an array of
// findings, and a wrapper {"results": [...]}.
func ParseScanResult(data []byte) (*ScanResult, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty inference response")
	}

	if data[0] == '[' {
		var findings []Finding
		if err := json.Unmarshal(data, &findings); err != nil {
			return nil, fmt.Errorf("parse inference response array: %w", err)
		}
		return &ScanResult{Findings: findings}, nil
	}

	// A present "results" key is authoritative even when the array is empty.
	var wrapped struct {
		Results *[]Finding `json:"results"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Results != nil {
		return &ScanResult{Findings: *wrapped.Results}, nil
	}

	var one Finding
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("parse inference response: %w", err)
	}
	if one.Prediction == "" && one.Image == "" {
		return nil, fmt.Errorf("unrecognized inference response shape")
	}
	return &ScanResult{Findings: []Finding{one}}, nil
}

// ExpertReview is a clinician annotation attached to a scan record. It is
// replaced wholesale on re-submission; no history is kept.
type ExpertReview struct {
	Status          string    `json:"status"` // "normal" or "abnormal"
	Details         string    `json:"details"`
	ReviewerName    string    `json:"reviewer_name"`
	AdditionalNotes string    `json:"additional_notes,omitempty"`
	ReviewedAt      time.Time `json:"reviewed_at"`
}

// Validate checks the required review fields.
func (r *ExpertReview) Validate() error {
	if r.Status != "normal" && r.Status != "abnormal" {
		return fmt.Errorf("status must be \"normal\" or \"abnormal\", got %q", r.Status)
	}
	if r.Details == "" {
		return fmt.Errorf("details is required")
	}
	if r.ReviewerName == "" {
		return fmt.Errorf("reviewer_name is required")
	}
	return nil
}

// ScanRecord maps to the scan_record table. The result payload is stored as
// serialized JSON and parsed back on read.
type ScanRecord struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	UserID       uuid.UUID     `db:"user_id" json:"user_id"`
	FilePath     string        `db:"file_path" json:"file_path"`
	Result       *ScanResult   `db:"result" json:"result"`
	ExpertReview *ExpertReview `db:"expert_review" json:"expert_review,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}
