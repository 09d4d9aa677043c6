package geocoder

import "context"

type AddressResolver interface {
	Resolve(ctx context.Context, lat, lon float64) (string, error)
}
