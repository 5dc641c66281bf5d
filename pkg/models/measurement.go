package models

import (
	"math"
	"time"
)

// MeasurementServer is the ndt7 server picked by the locator for one cycle
type MeasurementServer struct {
	Machine     string
	DownloadURL string
	UploadURL   string
}

// SpeedSample holds the result of one speed test. Zero means not measured.
type SpeedSample struct {
	DownloadMbps float64
	UploadMbps   float64
}

// GeoPoint is a synthetic measurement location
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// ReportPayload is the body posted to the scoring API
type ReportPayload struct {
	DownloadSpeed float64 `json:"download_speed"`
	UploadSpeed   float64 `json:"upload_speed"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Timestamp     string  `json:"timestamp"`
}

// TimestampLayout matches the millisecond ISO-8601 form the API expects
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// NewReportPayload builds the payload for a sample taken at the given location and time
func NewReportPayload(sample SpeedSample, point GeoPoint, at time.Time) ReportPayload {
	return ReportPayload{
		DownloadSpeed: Round(sample.DownloadMbps, 2),
		UploadSpeed:   Round(sample.UploadMbps, 2),
		Latitude:      point.Latitude,
		Longitude:     point.Longitude,
		Timestamp:     at.UTC().Format(TimestampLayout),
	}
}

// Profile is the account information returned by the profile endpoint
type Profile struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// CycleResult summarizes one completed account cycle
type CycleResult struct {
	Account  string
	Server   MeasurementServer
	Sample   SpeedSample
	Location GeoPoint
	Payload  ReportPayload
	Message  string
}

// Round rounds v to the given number of decimal places
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
