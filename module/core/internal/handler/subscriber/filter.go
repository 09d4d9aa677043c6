package subscriber

import (
	"github.com/nandanugg/marker-tracker/module/core/domain"
	"github.com/nandanugg/marker-tracker/module/core/service"
)

// sampleFilter decides which raw fixes reach a subscriber. A fix passes when
// its reported accuracy is within the tier bound and either MinInterval has
// elapsed or MinDistanceMeters has been covered since the last passed fix.
type sampleFilter struct {
	cfg     domain.SubscribeConfig
	last    domain.Location
	hasLast bool
}

func (f *sampleFilter) accept(loc domain.Location) bool {
	if bound := f.cfg.Accuracy.MaxErrorMeters(); bound > 0 && loc.Accuracy > bound {
		return false
	}
	if !f.hasLast {
		f.last, f.hasLast = loc, true
		return true
	}
	if loc.Timestamp.Before(f.last.Timestamp) {
		return false
	}

	elapsed := loc.Timestamp.Sub(f.last.Timestamp)
	moved := service.DistanceMeters(f.last.Lat, f.last.Lon, loc.Lat, loc.Lon)
	if elapsed < f.cfg.MinInterval && moved < f.cfg.MinDistanceMeters {
		return false
	}
	f.last = loc
	return true
}
