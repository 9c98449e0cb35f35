package slots

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"qms/entry-queue/internal/models"

	"gopkg.in/yaml.v3"
)

// Unbounded is the capacity reported for the immediate lane.
const Unbounded = -1

const (
	DefaultImmediateLabel = "今すぐ入場"
	DefaultCapacity       = 5
)

var defaultTimes = []string{"13:00", "13:30", "14:00", "14:30", "15:00", "15:30", "16:00"}

// Catalog is the fixed, ordered list of admission slots. It is immutable
// after construction and safe for concurrent use.
type Catalog struct {
	slots []models.Slot
	index map[string]int
}

// Default returns the reception desk's standard catalog: one immediate lane
// followed by half-hourly slots from 13:00 to 16:00.
func Default(capacity int) *Catalog {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	list := []models.Slot{{Label: DefaultImmediateLabel, IsImmediate: true, Capacity: Unbounded}}
	for _, label := range defaultTimes {
		list = append(list, models.Slot{Label: label, Capacity: capacity})
	}
	catalog, err := New(list)
	if err != nil {
		panic(err)
	}
	return catalog
}

func New(list []models.Slot) (*Catalog, error) {
	if len(list) == 0 {
		return nil, errors.New("slot catalog is empty")
	}
	c := &Catalog{
		slots: make([]models.Slot, 0, len(list)),
		index: make(map[string]int, len(list)),
	}
	immediate := 0
	for _, slot := range list {
		slot.Label = strings.TrimSpace(slot.Label)
		if slot.Label == "" {
			return nil, errors.New("slot label is required")
		}
		if _, dup := c.index[slot.Label]; dup {
			return nil, fmt.Errorf("duplicate slot label %q", slot.Label)
		}
		if slot.IsImmediate {
			immediate++
			slot.Capacity = Unbounded
		} else if slot.Capacity <= 0 {
			return nil, fmt.Errorf("slot %q: capacity must be positive", slot.Label)
		}
		c.index[slot.Label] = len(c.slots)
		c.slots = append(c.slots, slot)
	}
	if immediate != 1 {
		return nil, fmt.Errorf("slot catalog needs exactly one immediate slot, got %d", immediate)
	}
	return c, nil
}

func (c *Catalog) List() []models.Slot {
	out := make([]models.Slot, len(c.slots))
	copy(out, c.slots)
	return out
}

func (c *Catalog) Lookup(label string) (models.Slot, bool) {
	i, ok := c.index[label]
	if !ok {
		return models.Slot{}, false
	}
	return c.slots[i], true
}

// CapacityOf returns the capacity ceiling for label, Unbounded for the
// immediate lane, and false when the label is not in the catalog.
func (c *Catalog) CapacityOf(label string) (int, bool) {
	slot, ok := c.Lookup(label)
	if !ok {
		return 0, false
	}
	return slot.Capacity, true
}

func (c *Catalog) Immediate() models.Slot {
	for _, slot := range c.slots {
		if slot.IsImmediate {
			return slot
		}
	}
	return models.Slot{}
}

func (c *Catalog) Labels() []string {
	out := make([]string, len(c.slots))
	for i, slot := range c.slots {
		out[i] = slot.Label
	}
	return out
}

// File is the on-disk shape of a slot catalog. Slots may be listed
// explicitly, generated from a schedule, or both (explicit entries first).
type File struct {
	Capacity       int           `yaml:"capacity"`
	ImmediateLabel string        `yaml:"immediate_label"`
	Slots          []models.Slot `yaml:"slots"`
	Schedule       *Schedule     `yaml:"schedule,omitempty"`
}

type Schedule struct {
	Start           string `yaml:"start"`            // "13:00"
	End             string `yaml:"end"`              // "16:00", inclusive
	IntervalMinutes int    `yaml:"interval_minutes"` // 30
}

// LoadFile reads a YAML catalog. ${ENV} placeholders are expanded before
// parsing. defaultCapacity applies to slots that do not set their own.
func LoadFile(path string, defaultCapacity int) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read slot catalog: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse slot catalog: %w", err)
	}
	list, err := file.build(defaultCapacity)
	if err != nil {
		return nil, fmt.Errorf("build slot catalog: %w", err)
	}
	return New(list)
}

func (f File) build(defaultCapacity int) ([]models.Slot, error) {
	capacity := f.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	var list []models.Slot
	hasImmediate := false
	for _, slot := range f.Slots {
		if slot.IsImmediate {
			hasImmediate = true
		} else if slot.Capacity == 0 {
			slot.Capacity = capacity
		}
		list = append(list, slot)
	}
	if !hasImmediate {
		label := f.ImmediateLabel
		if label == "" {
			label = DefaultImmediateLabel
		}
		list = append([]models.Slot{{Label: label, IsImmediate: true}}, list...)
	}

	if f.Schedule != nil {
		labels, err := f.Schedule.labels()
		if err != nil {
			return nil, err
		}
		for _, label := range labels {
			list = append(list, models.Slot{Label: label, Capacity: capacity})
		}
	}
	return list, nil
}

func (s Schedule) labels() ([]string, error) {
	start, err := time.Parse("15:04", s.Start)
	if err != nil {
		return nil, fmt.Errorf("parse schedule start: %w", err)
	}
	end, err := time.Parse("15:04", s.End)
	if err != nil {
		return nil, fmt.Errorf("parse schedule end: %w", err)
	}
	if end.Before(start) {
		return nil, errors.New("schedule end is before start")
	}
	interval := s.IntervalMinutes
	if interval <= 0 {
		interval = 30
	}
	step := time.Duration(interval) * time.Minute

	var labels []string
	for t := start; !t.After(end); t = t.Add(step) {
		labels = append(labels, t.Format("15:04"))
	}
	return labels, nil
}
