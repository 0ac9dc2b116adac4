package capture

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subdash/internal/ui"
)

func TestPlanLayouts(t *testing.T) {
	shots, err := PlanLayouts("/tmp/out", 0, 0)
	require.NoError(t, err)
	require.Len(t, shots, 2)

	assert.Equal(t, DefaultNarrowWidth, shots[0].Width)
	assert.Equal(t, ui.LayoutStacked, shots[0].Layout)
	assert.Equal(t, filepath.Join("/tmp/out", "calendar-stacked-375.png"), shots[0].Path)

	assert.Equal(t, DefaultWideWidth, shots[1].Width)
	assert.Equal(t, ui.LayoutInline, shots[1].Layout)
}

func TestPlanLayoutsRejectsWrongSide(t *testing.T) {
	_, err := PlanLayouts("out", ui.Breakpoint, 1280)
	assert.Error(t, err)

	_, err = PlanLayouts("out", 375, ui.Breakpoint-1)
	assert.Error(t, err)
}

func TestCapturePNGValidatesOptions(t *testing.T) {
	assert.Error(t, CapturePNG(context.Background(), CaptureOptions{OutputPath: "x.png"}))
	assert.Error(t, CapturePNG(context.Background(), CaptureOptions{URL: "http://localhost"}))
}
