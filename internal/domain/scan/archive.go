package scan

import (
	"archive/zip"
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

// ArchiveReport is the per-archive breakdown of an expansion.
type ArchiveReport struct {
	Name        string `json:"name"`
	Dicom       int    `json:"dicom"`
	Image       int    `json:"image"`
	Unsupported int    `json:"unsupported"`
	// Err is set when the archive itself could not be read. A bad archive
	// never aborts the batch.
	Err string `json:"error,omitempty"`
}

// Supported is the number of usable entries extracted from the archive.
func (r ArchiveReport) Supported() int { return r.Dicom + r.Image }

// ExpansionSummary describes the outcome of expanding a selection.
type ExpansionSummary struct {
	Supported   int             `json:"supported"`
	Unsupported int             `json:"unsupported"`
	Archives    []ArchiveReport `json:"archives,omitempty"`
}

// Expander flattens a raw file selection into a list of usable files,
// expanding ZIP archives one level deep.
type Expander struct {
	logger zerolog.Logger
}

func NewExpander(logger zerolog.Logger) *Expander {
	return &Expander{logger: logger}
}

// Expand classifies each input, unpacks archives, and returns the usable
// files in input order (archive entries in archive order, in place of the
// archive). Unsupported loose files and unreadable archive entries are
// counted in the summary but never abort the batch.
func (e *Expander) Expand(files []InputFile) ([]ClassifiedFile, ExpansionSummary) {
	var (
		out     []ClassifiedFile
		summary ExpansionSummary
	)

	for _, f := range files {
		switch Classify(f.Name) {
		case KindDicom:
			out = append(out, ClassifiedFile{InputFile: f, Kind: KindDicom})
			summary.Supported++
		case KindImage:
			out = append(out, ClassifiedFile{InputFile: f, Kind: KindImage})
			summary.Supported++
		case KindArchive:
			entries, report := e.expandArchive(f)
			out = append(out, entries...)
			summary.Supported += report.Supported()
			summary.Unsupported += report.Unsupported
			summary.Archives = append(summary.Archives, report)
		default:
			e.logger.Debug().Str("file", f.Name).Msg("skipping unsupported file")
			summary.Unsupported++
		}
	}
	return out, summary
}

func (e *Expander) expandArchive(f InputFile) ([]ClassifiedFile, ArchiveReport) {
	report := ArchiveReport{Name: f.Name}

	zr, err := zip.NewReader(bytes.NewReader(f.Data), f.Size())
	if err != nil {
		e.logger.Warn().Err(err).Str("archive", f.Name).Msg("unreadable archive")
		report.Err = "unreadable archive: " + err.Error()
		return nil, report
	}

	var entries []ClassifiedFile
	for _, entry := range zr.File {
		if skipArchiveEntry(entry) {
			continue
		}

		kind := Classify(entry.Name)
		if kind != KindDicom && kind != KindImage {
			// Nested archives are not expanded further.
			report.Unsupported++
			continue
		}

		data, err := readArchiveEntry(entry)
		if err != nil {
			e.logger.Warn().Err(err).Str("archive", f.Name).Str("entry", entry.Name).Msg("unreadable archive entry")
			report.Unsupported++
			continue
		}

		// The relative entry name is kept; sibling directories often hold
		// same-named slices and flattening would collide them downstream.
		entries = append(entries, ClassifiedFile{
			InputFile: InputFile{Name: entry.Name, Data: data},
			Kind:      kind,
		})
		if kind == KindDicom {
			report.Dicom++
		} else {
			report.Image++
		}
	}
	return entries, report
}

// skipArchiveEntry filters directories and macOS packaging noise. Plain-text
// entries (readmes and the like) are skipped silently rather than counted as
// unsupported.
func skipArchiveEntry(entry *zip.File) bool {
	name := entry.Name
	if entry.FileInfo().IsDir() || strings.HasSuffix(name, "/") {
		return true
	}
	if strings.HasPrefix(name, "__MACOSX/") || name == "__MACOSX" {
		return true
	}
	base := path.Base(name)
	if base == ".DS_Store" || strings.HasPrefix(base, "._") {
		return true
	}
	if strings.EqualFold(path.Ext(name), ".txt") {
		return true
	}
	return false
}

func readArchiveEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
