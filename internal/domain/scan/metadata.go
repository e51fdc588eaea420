package scan

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ExtractMetadata reads the four patient-facing tags from a DICOM file.
// Absent or blank tags come back as the "N/A" sentinel; only a file that
// cannot be parsed at all is an error.
func ExtractMetadata(f InputFile) (Metadata, error) {
	ds, err := dicom.Parse(bytes.NewReader(f.Data), f.Size(), nil, dicom.SkipPixelData())
	if err != nil {
		return Metadata{}, fmt.Errorf("parse %s: %w", f.Name, err)
	}

	return Metadata{
		FileName:    f.Name,
		PatientName: tagString(&ds, tag.PatientName),
		PatientAge:  tagString(&ds, tag.PatientAge),
		StudyDate:   tagString(&ds, tag.StudyDate),
		Modality:    tagString(&ds, tag.Modality),
	}, nil
}

func tagString(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return NotAvailable
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return NotAvailable
	}
	v := strings.TrimSpace(vals[0])
	if v == "" {
		return NotAvailable
	}
	return v
}

// ApplyToForm copies non-sentinel metadata values into the form and locks
// the corresponding fields. Fields without a value keep whatever the user
// typed and stay editable. Age strings are carried verbatim, DICOM AS
// suffixes included.
func (m Metadata) ApplyToForm(form *PatientForm, locked *DisabledFields) {
	if m.PatientName != NotAvailable {
		form.Name = m.PatientName
		locked.Name = true
	}
	if m.PatientAge != NotAvailable {
		form.Age = m.PatientAge
		locked.Age = true
	}
	if m.Modality != NotAvailable {
		form.Clinical = m.Modality
		locked.Clinical = true
	}
	if m.StudyDate != NotAvailable {
		form.Date = m.StudyDate
		locked.Date = true
	}
}

// Extraction is the outcome of a batch metadata pass.
type Extraction struct {
	Items    []Metadata `json:"items"`
	Failures []string   `json:"failures,omitempty"`
}

// ExtractBatch runs metadata extraction over an all-DICOM batch in input
// order, applying each file's values to the form as it goes. Later files
// overwrite earlier ones. A file that fails to parse is recorded and
// skipped; the batch continues.
func ExtractBatch(logger zerolog.Logger, files []ClassifiedFile, form *PatientForm, locked *DisabledFields) Extraction {
	var ex Extraction
	for _, f := range files {
		if f.Kind != KindDicom {
			continue
		}
		m, err := ExtractMetadata(f.InputFile)
		if err != nil {
			logger.Warn().Err(err).Str("file", f.Name).Msg("metadata extraction failed")
			ex.Failures = append(ex.Failures, f.Name)
			continue
		}
		m.ApplyToForm(form, locked)
		ex.Items = append(ex.Items, m)
	}
	return ex
}
