// Package metadata decides whether a photo satisfies the capture policy:
// taken today, inside the mission site.
package metadata

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
)

// Validator reports whether the image at path satisfies the capture policy.
type Validator interface {
	Validate(ctx context.Context, path string) bool
}

// Capture is the subset of photo metadata the policy looks at. TakenAt
// carries the camera's wall-clock time; its location is not meaningful.
type Capture struct {
	TakenAt time.Time
	HasTime bool
	Lat     float64
	Lon     float64
	HasGPS  bool
}

// Extractor reads capture metadata from an image file.
type Extractor interface {
	Extract(path string) (Capture, error)
}

// EXIFExtractor reads capture time and GPS position from EXIF tags.
type EXIFExtractor struct{}

// Extract decodes the EXIF block. A file without EXIF is an error; missing
// individual tags are reported through HasTime and HasGPS.
func (EXIFExtractor) Extract(path string) (Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return Capture{}, eris.Wrap(err, "metadata: open image")
	}
	defer f.Close() //nolint:errcheck

	x, err := exif.Decode(f)
	if err != nil {
		return Capture{}, eris.Wrap(err, "metadata: decode exif")
	}

	var c Capture
	if t, err := x.DateTime(); err == nil {
		c.TakenAt, c.HasTime = t, true
	}
	if lat, lon, err := x.LatLong(); err == nil {
		c.Lat, c.Lon, c.HasGPS = lat, lon, true
	}
	return c, nil
}

// Geofence is the rectangular area photos must be taken in.
type Geofence struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// PolicyValidator passes a photo taken today (in its timezone) whose GPS
// position lies inside the geofence. Border points count as inside.
type PolicyValidator struct {
	extractor Extractor
	bounds    *geom.Bounds
	loc       *time.Location
	now       func() time.Time
}

// Option configures a PolicyValidator.
type Option func(*PolicyValidator)

// WithExtractor replaces the EXIF extractor.
func WithExtractor(e Extractor) Option {
	return func(v *PolicyValidator) { v.extractor = e }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *PolicyValidator) { v.now = now }
}

// NewPolicyValidator creates a validator for fence in the named timezone.
func NewPolicyValidator(fence Geofence, timezone string, opts ...Option) (*PolicyValidator, error) {
	loc := time.Local
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, eris.Wrapf(err, "metadata: load timezone %s", timezone)
		}
	}

	v := &PolicyValidator{
		extractor: EXIFExtractor{},
		// X is longitude, Y is latitude.
		bounds: geom.NewBounds(geom.XY).Set(fence.MinLon, fence.MinLat, fence.MaxLon, fence.MaxLat),
		loc:    loc,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate never fails loudly; unreadable metadata simply does not pass.
func (v *PolicyValidator) Validate(_ context.Context, path string) bool {
	log := zap.L().With(zap.String("image", path))

	c, err := v.extractor.Extract(path)
	if err != nil {
		log.Info("metadata: extraction failed", zap.Error(err))
		return false
	}
	if !c.HasGPS {
		log.Info("metadata: no gps position")
		return false
	}

	inside := v.Inside(c.Lat, c.Lon)
	today := c.HasTime && v.sameDay(c.TakenAt)
	log.Debug("metadata: checked",
		zap.Bool("today", today),
		zap.Bool("inside", inside),
		zap.Float64("lat", c.Lat),
		zap.Float64("lon", c.Lon),
	)
	return today && inside
}

// Inside reports whether a position lies within the geofence.
func (v *PolicyValidator) Inside(lat, lon float64) bool {
	return v.bounds.OverlapsPoint(geom.XY, geom.Coord{lon, lat})
}

func (v *PolicyValidator) sameDay(takenAt time.Time) bool {
	y1, m1, d1 := takenAt.Date()
	y2, m2, d2 := v.now().In(v.loc).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// AllowAll accepts every photo. Intended for local development.
type AllowAll struct{}

// Validate always returns true.
func (AllowAll) Validate(context.Context, string) bool { return true }
