package domain

import "time"

type Location struct {
	Lat       float64   `json:"latitude"`
	Lon       float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

type PermissionStatus string

const (
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
	PermissionUndetermined PermissionStatus = "undetermined"
)

// Accuracy is the precision tier requested for a location subscription.
type Accuracy int

const (
	AccuracyLowest Accuracy = iota + 1
	AccuracyLow
	AccuracyBalanced
	AccuracyHigh
	AccuracyHighest
	AccuracyBestForNavigation
)

var accuracyNames = map[string]Accuracy{
	"lowest":            AccuracyLowest,
	"low":               AccuracyLow,
	"balanced":          AccuracyBalanced,
	"high":              AccuracyHigh,
	"highest":           AccuracyHighest,
	"bestfornavigation": AccuracyBestForNavigation,
}

// ParseAccuracy maps a tier name to its Accuracy, falling back to balanced.
func ParseAccuracy(s string) Accuracy {
	if a, ok := accuracyNames[s]; ok {
		return a
	}
	return AccuracyBalanced
}

// MaxErrorMeters is the worst reported horizontal accuracy a sample may carry
// and still be accepted at this tier. Zero means no bound.
func (a Accuracy) MaxErrorMeters() float64 {
	switch a {
	case AccuracyLowest:
		return 3000
	case AccuracyLow:
		return 1000
	case AccuracyBalanced:
		return 100
	case AccuracyHigh, AccuracyHighest, AccuracyBestForNavigation:
		return 10
	default:
		return 0
	}
}

type SubscribeConfig struct {
	Accuracy          Accuracy
	MinInterval       time.Duration
	MinDistanceMeters float64
}

// Subscription is a live, unbounded sequence of location samples. Cancel may
// be called any number of times from any goroutine.
type Subscription interface {
	Samples() <-chan Location
	Done() <-chan struct{}
	Err() error
	Cancel()
}
