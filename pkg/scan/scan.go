// Package scan asks a vision model to read prescriptions and medicine bags.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"medicare/internal/jsonutil"
	"medicare/pkg/ai"
	"medicare/pkg/domain"
)

var (
	// ErrParse is returned when the model reply holds no usable JSON.
	ErrParse = errors.New("failed to parse response as JSON")
	// ErrScanFailed wraps transport and model errors.
	ErrScanFailed = errors.New("scan failed")
)

// NoCredentialWarning is reported instead of an error when no model is set up.
const NoCredentialWarning = "AI API key is not configured; scanning is unavailable"

// Scanner reads medication photos. A nil generator disables scanning.
type Scanner struct {
	gen ai.VisionGenerator
}

func New(gen ai.VisionGenerator) *Scanner {
	return &Scanner{gen: gen}
}

// Enabled reports whether a model is configured.
func (s *Scanner) Enabled() bool { return s != nil && s.gen != nil }

// PrescriptionScan is the result of reading one prescription.
type PrescriptionScan struct {
	Items   []domain.ExtractedItem `json:"items"`
	Warning string                 `json:"warning,omitempty"`
}

// ScanPrescription extracts the drug list from a prescription photo.
func (s *Scanner) ScanPrescription(ctx context.Context, img ai.Image) (PrescriptionScan, error) {
	if !s.Enabled() {
		return PrescriptionScan{Items: []domain.ExtractedItem{}, Warning: NoCredentialWarning}, nil
	}
	reply, err := s.gen.GenerateFromImage(ctx, prescriptionPrompt, img)
	if err != nil {
		return PrescriptionScan{}, fmt.Errorf("%w: %v", ErrScanFailed, err)
	}
	var items []domain.ExtractedItem
	if err := jsonutil.Decode(reply, jsonutil.Array, &items); err != nil {
		slog.Warn("prescription reply not parseable", "err", err, "reply_len", len(reply))
		return PrescriptionScan{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	for i := range items {
		items[i].SuggestedTimes = cleanTimes(items[i].SuggestedTimes)
	}
	if items == nil {
		items = []domain.ExtractedItem{}
	}
	return PrescriptionScan{Items: items}, nil
}

// ScanMedicineBag reads one drug name and its intake times. Failures are
// logged and come back as an empty reading.
func (s *Scanner) ScanMedicineBag(ctx context.Context, img ai.Image) domain.BagReading {
	empty := domain.BagReading{Name: "", Times: []string{}}
	if !s.Enabled() {
		return empty
	}
	reply, err := s.gen.GenerateFromImage(ctx, medicineBagPrompt, img)
	if err != nil {
		slog.Warn("medicine bag scan failed", "err", err)
		return empty
	}
	var reading domain.BagReading
	if err := jsonutil.Decode(reply, jsonutil.Object, &reading); err != nil {
		slog.Warn("medicine bag reply not parseable", "err", err, "reply_len", len(reply))
		return empty
	}
	reading.Name = strings.TrimSpace(reading.Name)
	reading.Times = cleanTimes(reading.Times)
	return reading
}

func cleanTimes(times []string) []string {
	out := make([]string, 0, len(times))
	for _, t := range times {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
