package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultImage is the placeholder pill icon used when a drug has no photo.
const DefaultImage = "https://cdn-icons-png.flaticon.com/512/2966/2966334.png"

type ReminderType string

const (
	TypeMedicine   ReminderType = "medicine"
	TypeSupplement ReminderType = "supplement"
)

// ID is a record identifier compared as a string. Older exports stored
// numeric ids, so a JSON number is accepted and kept as its decimal text.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*id = ID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

type Patient struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	LineUserID string `json:"lineUserId,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

// MedicationItem is one drug inside a reminder time slot.
type MedicationItem struct {
	ID             ID     `json:"id"`
	Name           string `json:"name"`
	Dosage         string `json:"dosage"`
	ReferenceImage string `json:"referenceImage"`
	NHICode        string `json:"nhiCode,omitempty"`
}

// Reminder is one notification time slot holding one or more drugs.
//
// SubItems is the source of truth. The flattened name, dosage and
// referenceImage fields are written for older readers and derived from
// SubItems on every encode. Records that were stored without SubItems keep
// their flattened fields so they survive a read/write cycle.
type Reminder struct {
	ID        ID
	Time      string
	Type      ReminderType
	AudioNote string
	SubItems  []MedicationItem
	CreatedAt int64

	legacy legacyFields
}

type legacyFields struct {
	Name           string
	Dosage         string
	ReferenceImage string
}

type reminderJSON struct {
	ID             ID               `json:"id"`
	Time           string           `json:"time"`
	Type           ReminderType     `json:"type"`
	AudioNote      string           `json:"audioNote"`
	SubItems       []MedicationItem `json:"subItems"`
	Name           string           `json:"name"`
	Dosage         string           `json:"dosage"`
	ReferenceImage string           `json:"referenceImage"`
	CreatedAt      int64            `json:"createdAt"`
}

// NewLegacyReminder builds a reminder the way clients without SubItems
// stored it.
func NewLegacyReminder(id, time, name, dosage, image string, createdAt int64) Reminder {
	return Reminder{
		ID:        ID(id),
		Time:      time,
		Type:      TypeMedicine,
		CreatedAt: createdAt,
		legacy: legacyFields{
			Name:           name,
			Dosage:         dosage,
			ReferenceImage: image,
		},
	}
}

// Items returns the drugs of the slot. Records without SubItems yield one
// synthetic item built from the flattened fields.
func (r Reminder) Items() []MedicationItem {
	if len(r.SubItems) > 0 {
		return r.SubItems
	}
	if r.legacy.Name == "" && r.legacy.Dosage == "" && r.legacy.ReferenceImage == "" {
		return nil
	}
	return []MedicationItem{{
		ID:             r.ID,
		Name:           r.legacy.Name,
		Dosage:         r.legacy.Dosage,
		ReferenceImage: r.legacy.ReferenceImage,
	}}
}

// Name is the comma-joined list of drug names.
func (r Reminder) Name() string {
	if len(r.SubItems) == 0 {
		return r.legacy.Name
	}
	names := make([]string, 0, len(r.SubItems))
	for _, item := range r.SubItems {
		names = append(names, item.Name)
	}
	return strings.Join(names, ", ")
}

// Dosage is the comma-joined list of dosages.
func (r Reminder) Dosage() string {
	if len(r.SubItems) == 0 {
		return r.legacy.Dosage
	}
	dosages := make([]string, 0, len(r.SubItems))
	for _, item := range r.SubItems {
		dosages = append(dosages, item.Dosage)
	}
	return strings.Join(dosages, ", ")
}

// ReferenceImage is the first drug's image.
func (r Reminder) ReferenceImage() string {
	if len(r.SubItems) == 0 {
		return r.legacy.ReferenceImage
	}
	return r.SubItems[0].ReferenceImage
}

// WithReferenceImage returns a copy whose flattened image is replaced. It
// only matters for records without SubItems.
func (r Reminder) WithReferenceImage(image string) Reminder {
	r.legacy.ReferenceImage = image
	return r
}

func (r Reminder) MarshalJSON() ([]byte, error) {
	items := r.SubItems
	if items == nil {
		items = []MedicationItem{}
	}
	return json.Marshal(reminderJSON{
		ID:             r.ID,
		Time:           r.Time,
		Type:           r.Type,
		AudioNote:      r.AudioNote,
		SubItems:       items,
		Name:           r.Name(),
		Dosage:         r.Dosage(),
		ReferenceImage: r.ReferenceImage(),
		CreatedAt:      r.CreatedAt,
	})
}

func (r *Reminder) UnmarshalJSON(data []byte) error {
	var raw reminderJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Reminder{
		ID:        raw.ID,
		Time:      raw.Time,
		Type:      raw.Type,
		AudioNote: raw.AudioNote,
		SubItems:  raw.SubItems,
		CreatedAt: raw.CreatedAt,
	}
	// A present but empty subItems array stays empty, not nil.
	if len(raw.SubItems) == 0 {
		r.legacy = legacyFields{
			Name:           raw.Name,
			Dosage:         raw.Dosage,
			ReferenceImage: raw.ReferenceImage,
		}
	}
	return nil
}

// ExtractedItem is one drug read from a prescription by the vision model.
type ExtractedItem struct {
	Name           string   `json:"name"`
	Dosage         string   `json:"dosage"`
	NHICode        string   `json:"nhiCode,omitempty"`
	ImageURL       string   `json:"imageUrl,omitempty"`
	Frequency      string   `json:"frequency"`
	SuggestedTimes []string `json:"suggestedTimes"`
}

// BagReading is the drug name and intake times read from one medicine bag.
type BagReading struct {
	Name  string   `json:"name"`
	Times []string `json:"times"`
}

// Empty reports whether the reading carries nothing usable.
func (b BagReading) Empty() bool {
	return strings.TrimSpace(b.Name) == "" || len(b.Times) == 0
}
