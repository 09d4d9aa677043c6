package domain

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type Marker struct {
	ID          int64     `json:"id"`
	Latitude    float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude   float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Title       string    `json:"title" validate:"required"`
	Description string    `json:"description"`
	Address     string    `json:"address"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks coordinate ranges and that the title is set.
func (m *Marker) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMarker, err)
	}
	return nil
}

type MarkerImage struct {
	ID       int64  `json:"id"`
	MarkerID int64  `json:"marker_id" validate:"gt=0"`
	URI      string `json:"uri" validate:"required"`
}

func (img *MarkerImage) Validate() error {
	if err := validate.Struct(img); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMarker, err)
	}
	return nil
}

// MarkerUpdate carries the user-editable fields of a marker. Nil fields are
// left unchanged.
type MarkerUpdate struct {
	Title       *string
	Description *string
	Latitude    *float64
	Longitude   *float64
}
