package slots

import (
	"os"
	"path/filepath"
	"testing"

	"qms/entry-queue/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default(5)

	list := c.List()
	require.Len(t, list, 8)
	assert.Equal(t, DefaultImmediateLabel, list[0].Label)
	assert.True(t, list[0].IsImmediate)
	assert.Equal(t, "16:00", list[len(list)-1].Label)

	capacity, ok := c.CapacityOf("13:00")
	require.True(t, ok)
	assert.Equal(t, 5, capacity)

	capacity, ok = c.CapacityOf(DefaultImmediateLabel)
	require.True(t, ok)
	assert.Equal(t, Unbounded, capacity)

	_, ok = c.CapacityOf("17:00")
	assert.False(t, ok)
}

func TestListReturnsCopy(t *testing.T) {
	c := Default(5)
	list := c.List()
	list[1].Capacity = 99

	capacity, _ := c.CapacityOf(list[1].Label)
	assert.Equal(t, 5, capacity)
}

func TestNewRejectsBadCatalogs(t *testing.T) {
	tests := []struct {
		name  string
		slots []models.Slot
	}{
		{"empty", nil},
		{"no immediate", []models.Slot{{Label: "13:00", Capacity: 5}}},
		{"two immediate", []models.Slot{{Label: "now", IsImmediate: true}, {Label: "walk-in", IsImmediate: true}}},
		{"duplicate", []models.Slot{{Label: "now", IsImmediate: true}, {Label: "13:00", Capacity: 5}, {Label: "13:00", Capacity: 5}}},
		{"zero capacity", []models.Slot{{Label: "now", IsImmediate: true}, {Label: "13:00"}}},
		{"blank label", []models.Slot{{Label: "now", IsImmediate: true}, {Label: "  ", Capacity: 1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.slots)
			assert.Error(t, err)
		})
	}
}

func TestLoadFileWithSchedule(t *testing.T) {
	t.Setenv("SLOT_CAP", "3")
	path := filepath.Join(t.TempDir(), "slots.yaml")
	content := `
capacity: ${SLOT_CAP}
immediate_label: walk-in
slots:
  - label: "12:00"
    capacity: 2
schedule:
  start: "13:00"
  end: "14:00"
  interval_minutes: 30
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := LoadFile(path, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"walk-in", "12:00", "13:00", "13:30", "14:00"}, c.Labels())

	capacity, _ := c.CapacityOf("12:00")
	assert.Equal(t, 2, capacity)
	capacity, _ = c.CapacityOf("13:30")
	assert.Equal(t, 3, capacity)
	assert.Equal(t, "walk-in", c.Immediate().Label)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"), 5)
	assert.Error(t, err)
}
