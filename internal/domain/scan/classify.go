package scan

import (
	"path/filepath"
	"strings"
)

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".bmp":  {},
	".webp": {},
}

// Classify maps a filename to its kind by extension alone. Matching is
// case-insensitive and no content sniffing is performed; a mislabelled file
// surfaces later, at parse or inference time.
func Classify(filename string) Kind {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case ext == ".dcm":
		return KindDicom
	case ext == ".zip":
		return KindArchive
	default:
		if _, ok := imageExtensions[ext]; ok {
			return KindImage
		}
		return KindUnsupported
	}
}

// ClassifyAll classifies a slice of input files, preserving order.
func ClassifyAll(files []InputFile) []ClassifiedFile {
	out := make([]ClassifiedFile, 0, len(files))
	for _, f := range files {
		out = append(out, ClassifiedFile{InputFile: f, Kind: Classify(f.Name)})
	}
	return out
}

// AllDicom reports whether every file in the batch is a DICOM file.
// Metadata extraction only runs on homogeneous DICOM batches.
func AllDicom(files []ClassifiedFile) bool {
	if len(files) == 0 {
		return false
	}
	for _, f := range files {
		if f.Kind != KindDicom {
			return false
		}
	}
	return true
}
