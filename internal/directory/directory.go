// Package directory holds the contact ladders: per emergency category, an
// ordered list of primary and backup destinations. Read-only at runtime and
// safely shared by every call monitor.
package directory

import (
	"fmt"
	"os"
	"sort"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/lifeline-lk/dispatch/internal/model"
)

// CategoryEntry is one category's configuration in contacts.yaml.
type CategoryEntry struct {
	Description string          `yaml:"description"`
	Ladder      []model.Contact `yaml:"ladder"`
}

// File is the on-disk shape of contacts.yaml.
type File struct {
	SchemaVersion int                              `yaml:"schema_version"`
	Contacts      map[model.Category]CategoryEntry `yaml:"contacts"`
}

// Directory is an immutable lookup of contact ladders.
type Directory struct {
	ladders      map[model.Category][]model.Contact
	descriptions map[model.Category]string
}

// New builds a Directory from per-category entries. Ladders are copied and
// sorted by priority so later mutation of the input cannot leak in.
func New(entries map[model.Category]CategoryEntry) *Directory {
	d := &Directory{
		ladders:      make(map[model.Category][]model.Contact, len(entries)),
		descriptions: make(map[model.Category]string, len(entries)),
	}
	for cat, entry := range entries {
		ladder := append([]model.Contact(nil), entry.Ladder...)
		sort.SliceStable(ladder, func(i, j int) bool {
			return ladder[i].Priority < ladder[j].Priority
		})
		d.ladders[cat] = ladder
		d.descriptions[cat] = entry.Description
	}
	return d
}

// Load reads contacts.yaml from path.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contacts file: %w", err)
	}
	var f File
	if err := yamlv3.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse contacts file: %w", err)
	}
	if len(f.Contacts) == 0 {
		return nil, fmt.Errorf("contacts file %s defines no categories", path)
	}
	for cat, entry := range f.Contacts {
		if !model.ValidCategory(cat) {
			return nil, fmt.Errorf("contacts file %s: unknown category %q", path, cat)
		}
		if len(entry.Ladder) == 0 {
			return nil, fmt.Errorf("contacts file %s: category %q has an empty ladder", path, cat)
		}
	}
	return New(f.Contacts), nil
}

// ContactsFor returns the ordered ladder for a category, primary first.
// Unknown categories return an empty slice; the caller must treat that as a
// hard failure for the request.
func (d *Directory) ContactsFor(category model.Category) []model.Contact {
	ladder, ok := d.ladders[category]
	if !ok {
		return nil
	}
	return append([]model.Contact(nil), ladder...)
}

// DescriptionOf returns the human-readable description for a category.
func (d *Directory) DescriptionOf(category model.Category) string {
	return d.descriptions[category]
}

// Categories lists configured categories in stable order.
func (d *Directory) Categories() []model.Category {
	cats := make([]model.Category, 0, len(d.ladders))
	for c := range d.ladders {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

// Default returns the shipped ladders: pre-verified emergency numbers,
// overridable per-slot via environment variables.
func Default() *Directory {
	return New(map[model.Category]CategoryEntry{
		model.CategoryPolice: {
			Description: "Police emergency response",
			Ladder: []model.Contact{
				{
					Number:      envOr("EMERGENCY_POLICE_PRIMARY", "+94119"),
					Name:        "Police Emergency Hotline",
					Priority:    1,
					Description: "Primary police emergency line (119)",
				},
				{
					Number:      envOr("EMERGENCY_POLICE_ACCIDENT", "+94118"),
					Name:        "Accident Service",
					Priority:    2,
					Description: "Also handles police emergencies (118)",
				},
				{
					Number:      envOr("EMERGENCY_POLICE_COMMAND", "+94112433333"),
					Name:        "Colombo Police Command Center",
					Priority:    3,
					Description: "Direct line to central command (011-2433333)",
				},
			},
		},
		model.CategoryMedical: {
			Description: "Ambulance and medical emergency response",
			Ladder: []model.Contact{
				{
					Number:      envOr("EMERGENCY_AMBULANCE_PRIMARY", "+941990"),
					Name:        "Suwa Seriya Ambulance",
					Priority:    1,
					Description: "Primary ambulance service (1990)",
				},
				{
					Number:      envOr("EMERGENCY_AMBULANCE_SERVICE", "+94110"),
					Name:        "Government Ambulance Service",
					Priority:    2,
					Description: "Alternative ambulance service (110)",
				},
				{
					Number:      envOr("EMERGENCY_AMBULANCE_HOSPITAL", "+94112691111"),
					Name:        "National Hospital Colombo",
					Priority:    3,
					Description: "Direct hospital emergency line (011-2691111)",
				},
			},
		},
		model.CategoryFire: {
			Description: "Fire and rescue response",
			Ladder: []model.Contact{
				{
					Number:      envOr("EMERGENCY_FIRE_PRIMARY", "+94110"),
					Name:        "Fire & Rescue Service",
					Priority:    1,
					Description: "Primary fire emergency line (110)",
				},
				{
					Number:      envOr("EMERGENCY_FIRE_COLOMBO", "+94112422222"),
					Name:        "Colombo Fire Department",
					Priority:    2,
					Description: "Direct Colombo fire station (011-2422222)",
				},
			},
		},
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
