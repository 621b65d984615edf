package tui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
)

func TestMaxWidth(t *testing.T) {
	assert.Equal(t, "short", MaxWidth("short", 10))
	assert.Equal(t, "Gifford...", MaxWidth("Gifford Ebbetts", 10))
	assert.Equal(t, 10, lipgloss.Width(MaxWidth("Gifford Ebbetts", 10)))
	assert.Equal(t, "..", MaxWidth("abcdef", 2))
}

func TestPadRight(t *testing.T) {
	assert.Equal(t, "ab  ", PadRight("ab", 4, " "))
	assert.Equal(t, "abcdef", PadRight("abcdef", 4, " "))
}

func TestTable(t *testing.T) {
	var buf bytes.Buffer
	Table(&buf, []string{"ID", "Name"}, [][]string{{"1", "Marcy Karadzas"}, {"2", "Evangeline Bowlands"}})
	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "Marcy Karadzas")
	assert.Contains(t, out, "Evangeline Bowlands")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestMessages(t *testing.T) {
	var buf bytes.Buffer
	ShowSuccess(&buf, "cleared %d entries", 3)
	ShowError(&buf, "failed: %s", "boom")
	assert.Contains(t, buf.String(), "cleared 3 entries")
	assert.Contains(t, buf.String(), "failed: boom")
}

func TestSpinnerWithoutTTY(t *testing.T) {
	HasTTY = false
	var ran bool
	err := ShowSpinner(context.Background(), "loading", func() error {
		ran = true
		return errors.New("nope")
	})
	assert.True(t, ran)
	assert.EqualError(t, err, "nope")

	ok, err := Ask("sure?", true)
	assert.NoError(t, err)
	assert.True(t, ok)
}
