package scan

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ImageSetKind discriminates the preview image set variants.
type ImageSetKind int

const (
	ImageSetEmpty ImageSetKind = iota
	ImageSetDicom
	ImageSetRaster
)

// ImageSet is the loaded preview content: a set of registered DICOM image
// ids, a set of raster blobs, or nothing. At most one variant is populated.
type ImageSet struct {
	kind    ImageSetKind
	dicomID []string
	rasters [][]byte
}

func EmptyImageSet() ImageSet { return ImageSet{kind: ImageSetEmpty} }

func DicomImageSet(imageIDs []string) ImageSet {
	if len(imageIDs) == 0 {
		return EmptyImageSet()
	}
	return ImageSet{kind: ImageSetDicom, dicomID: imageIDs}
}

func RasterImageSet(blobs [][]byte) ImageSet {
	if len(blobs) == 0 {
		return EmptyImageSet()
	}
	return ImageSet{kind: ImageSetRaster, rasters: blobs}
}

func (s ImageSet) Kind() ImageSetKind { return s.kind }

func (s ImageSet) Len() int {
	switch s.kind {
	case ImageSetDicom:
		return len(s.dicomID)
	case ImageSetRaster:
		return len(s.rasters)
	default:
		return 0
	}
}

// Raster returns the raster blob at i. Valid only for raster sets.
func (s ImageSet) Raster(i int) []byte {
	if s.kind != ImageSetRaster || i < 0 || i >= len(s.rasters) {
		return nil
	}
	return s.rasters[i]
}

// RenderedImage is an opaque handle produced by the renderer.
type RenderedImage interface{}

// Renderer is the external DICOM rendering engine. Raster sets never touch
// it; the caller displays those directly.
type Renderer interface {
	// Register stores a DICOM file with the engine and returns an image id.
	Register(f InputFile) (string, error)
	// Enable prepares the render target. Must tolerate repeat calls.
	Enable(target string) error
	// Disable releases the render target.
	Disable(target string) error
	LoadImage(imageID string) (RenderedImage, error)
	Display(target string, img RenderedImage) error
}

// PreviewController owns the preview navigation state. Next and Previous
// clamp at the edges rather than wrapping, and a display failure leaves the
// current index where it was.
type PreviewController struct {
	mu       sync.Mutex
	renderer Renderer
	target   string
	logger   zerolog.Logger

	set     ImageSet
	index   int
	enabled bool
}

func NewPreviewController(renderer Renderer, target string, logger zerolog.Logger) *PreviewController {
	return &PreviewController{renderer: renderer, target: target, logger: logger}
}

// RegisterDicomFiles registers each DICOM file with the renderer and
// returns an image set over the resulting ids, in input order.
func (p *PreviewController) RegisterDicomFiles(files []ClassifiedFile) (ImageSet, error) {
	ids := make([]string, 0, len(files))
	for _, f := range files {
		if f.Kind != KindDicom {
			continue
		}
		id, err := p.renderer.Register(f.InputFile)
		if err != nil {
			return EmptyImageSet(), fmt.Errorf("register %s: %w", f.Name, err)
		}
		ids = append(ids, id)
	}
	return DicomImageSet(ids), nil
}

// Load replaces the active set and shows its first image. Loading an empty
// set is equivalent to Clear. When the first display fails the set stays
// loaded at index 0 and the error is returned for the caller to surface.
func (p *PreviewController) Load(set ImageSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if set.Len() == 0 {
		p.clearLocked()
		return nil
	}

	p.set = set
	p.index = 0
	if set.kind != ImageSetDicom {
		return nil
	}
	return p.displayLocked(0)
}

// Next advances to the following image, clamping at the last one.
func (p *PreviewController) Next() error { return p.step(1) }

// Previous steps back, clamping at the first image.
func (p *PreviewController) Previous() error { return p.step(-1) }

func (p *PreviewController) step(delta int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.set.Len()
	if n == 0 {
		return nil
	}

	next := p.index + delta
	if next < 0 {
		next = 0
	}
	if next > n-1 {
		next = n - 1
	}
	if next == p.index {
		return nil
	}

	if p.set.kind == ImageSetDicom {
		if err := p.displayLocked(next); err != nil {
			return err
		}
	}
	p.index = next
	return nil
}

// displayLocked renders the image at i onto the target, enabling the target
// first if needed. The index is not committed here; callers decide.
func (p *PreviewController) displayLocked(i int) error {
	if !p.enabled {
		if err := p.renderer.Enable(p.target); err != nil {
			return fmt.Errorf("enable render target: %w", err)
		}
		p.enabled = true
	}

	img, err := p.renderer.LoadImage(p.set.dicomID[i])
	if err != nil {
		return fmt.Errorf("load image %d: %w", i, err)
	}
	if err := p.renderer.Display(p.target, img); err != nil {
		return fmt.Errorf("display image %d: %w", i, err)
	}
	return nil
}

// Clear drops the active set and releases the render target.
func (p *PreviewController) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
}

func (p *PreviewController) clearLocked() {
	if p.enabled {
		if err := p.renderer.Disable(p.target); err != nil {
			p.logger.Warn().Err(err).Msg("failed to release render target")
		}
		p.enabled = false
	}
	p.set = EmptyImageSet()
	p.index = 0
}

// Index returns the current zero-based position.
func (p *PreviewController) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

// ActiveKind reports which variant is loaded.
func (p *PreviewController) ActiveKind() ImageSetKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set.kind
}
