// Package sharecode turns a reminder list into a short text token that can be
// pasted into a chat message, and back. Photos and audio notes are dropped.
package sharecode

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"medicare/pkg/domain"
)

// ErrInvalidCode is returned for tokens that do not decode to a reminder list.
var ErrInvalidCode = errors.New("invalid share code")

// Encode strips images and audio and returns the Base64 token.
func Encode(reminders []domain.Reminder) (string, error) {
	stripped := make([]domain.Reminder, 0, len(reminders))
	for _, r := range reminders {
		r.AudioNote = ""
		if len(r.SubItems) > 0 {
			items := make([]domain.MedicationItem, len(r.SubItems))
			copy(items, r.SubItems)
			for i := range items {
				items[i].ReferenceImage = domain.DefaultImage
			}
			r.SubItems = items
		}
		stripped = append(stripped, r.WithReferenceImage(domain.DefaultImage))
	}
	raw, err := json.Marshal(stripped)
	if err != nil {
		return "", fmt.Errorf("encode share code: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode parses a token produced by Encode.
func Decode(token string) ([]domain.Reminder, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: not utf-8", ErrInvalidCode)
	}
	var heads []struct {
		Time string `json:"time"`
	}
	if err := json.Unmarshal(raw, &heads); err != nil || heads == nil {
		return nil, fmt.Errorf("%w: not a reminder list", ErrInvalidCode)
	}
	for i, p := range heads {
		if p.Time == "" {
			return nil, fmt.Errorf("%w: entry %d has no time", ErrInvalidCode, i)
		}
	}
	var list []domain.Reminder
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	return list, nil
}

// Store is the part of the persistence layer the helpers need.
type Store interface {
	ListReminders(ctx context.Context, patientID string) ([]domain.Reminder, error)
	ReplaceReminders(ctx context.Context, patientID string, list []domain.Reminder) error
}

// EncodePatient encodes the patient's current list.
func EncodePatient(ctx context.Context, s Store, patientID string) (string, error) {
	list, err := s.ListReminders(ctx, patientID)
	if err != nil {
		return "", err
	}
	return Encode(list)
}

// ImportPatient replaces the patient's list with the decoded token. Nothing
// is written when the token is invalid.
func ImportPatient(ctx context.Context, s Store, patientID, token string) ([]domain.Reminder, error) {
	list, err := Decode(token)
	if err != nil {
		return nil, err
	}
	if err := s.ReplaceReminders(ctx, patientID, list); err != nil {
		return nil, err
	}
	return list, nil
}

// ImportURL builds the magic link that imports token when opened.
func ImportURL(base, token string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return "?import=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("import", token)
	u.RawQuery = q.Encode()
	return u.String()
}
