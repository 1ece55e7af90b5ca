package capture

// Resolution names a viewport preset.
type Resolution string

const (
	Resolution720p  Resolution = "720p"
	Resolution1080p Resolution = "1080p"
	Resolution4K    Resolution = "4k"

	// DefaultResolution is used when a tenant has no preference.
	DefaultResolution = Resolution1080p
)

// Viewport is a browser window size in CSS pixels.
type Viewport struct {
	Width  int64
	Height int64
}

var viewports = map[Resolution]Viewport{
	Resolution720p:  {Width: 1280, Height: 720},
	Resolution1080p: {Width: 1920, Height: 1080},
	Resolution4K:    {Width: 3840, Height: 2160},
}

// LookupResolution returns the viewport for r. An empty resolution maps to the default.
func LookupResolution(r Resolution) (Viewport, bool) {
	if r == "" {
		r = DefaultResolution
	}
	vp, ok := viewports[r]
	return vp, ok
}

// NormalizeResolution maps unknown or empty values to the default preset.
func NormalizeResolution(raw string) Resolution {
	r := Resolution(raw)
	if _, ok := viewports[r]; ok {
		return r
	}
	return DefaultResolution
}
