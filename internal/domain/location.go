package domain

import "errors"

var (
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrInvalidBounds     = errors.New("invalid bounds")
)

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (c Coordinate) Validate() error {
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
		return ErrInvalidCoordinate
	}
	return nil
}

// Bounds is a viewport. MinLng may exceed MaxLng when the box crosses the antimeridian.
type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
}

func (b Bounds) Validate() error {
	sw := Coordinate{Lat: b.MinLat, Lng: b.MinLng}
	ne := Coordinate{Lat: b.MaxLat, Lng: b.MaxLng}
	if sw.Validate() != nil || ne.Validate() != nil || b.MinLat > b.MaxLat {
		return ErrInvalidBounds
	}
	return nil
}
