package trachea

import (
	"context"
	"fmt"
	"testing"

	"github.com/cucumber/godog"

	"lungseg/internal/models"
)

// decisionContext holds state for a single scenario
type decisionContext struct {
	slice      models.Mask
	thresholds Thresholds
	out        models.Mask
	outCase    Case
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func InitializeScenario(sc *godog.ScenarioContext) {
	dc := &decisionContext{}

	sc.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		*dc = decisionContext{thresholds: DefaultThresholds()}
		return ctx, nil
	})

	sc.Step(`^an empty slice of (\d+) by (\d+) pixels$`, dc.anEmptySlice)
	sc.Step(`^a (\d+) by (\d+) region at (\d+), (\d+)$`, dc.aRegionAt)
	sc.Step(`^a disk of radius (\d+) centred at (\d+), (\d+)$`, dc.aDiskCentredAt)
	sc.Step(`^the minor axis limit is (\d+)$`, dc.theMinorAxisLimitIs)
	sc.Step(`^the trachea is removed$`, dc.theTracheaIsRemoved)
	sc.Step(`^the slice is classified as "([^"]*)"$`, dc.theSliceIsClassifiedAs)
	sc.Step(`^(\d+) pixels remain$`, dc.pixelsRemain)
	sc.Step(`^the region at (\d+), (\d+) is (kept|removed)$`, dc.theRegionAtIs)
}

func (dc *decisionContext) anEmptySlice(height, width int) error {
	dc.slice = models.NewMask(models.Shape{height, width})
	return nil
}

func (dc *decisionContext) aRegionAt(h, w, y, x int) error {
	if y+h > dc.slice.Shape[0] || x+w > dc.slice.Shape[1] {
		return fmt.Errorf("region %dx%d at %d,%d does not fit the slice", h, w, y, x)
	}
	addRect(dc.slice, y, x, h, w)
	return nil
}

func (dc *decisionContext) aDiskCentredAt(r, y, x int) error {
	addDisk(dc.slice, y, x, r)
	return nil
}

func (dc *decisionContext) theMinorAxisLimitIs(limit int) error {
	dc.thresholds.MinorAxis = float64(limit)
	return nil
}

func (dc *decisionContext) theTracheaIsRemoved() error {
	out, c, err := RemoveFromSlice(dc.slice, dc.thresholds)
	if err != nil {
		return err
	}
	dc.out, dc.outCase = out, c
	return nil
}

func (dc *decisionContext) theSliceIsClassifiedAs(name string) error {
	if dc.outCase.String() != name {
		return fmt.Errorf("expected case %q, got %q", name, dc.outCase)
	}
	return nil
}

func (dc *decisionContext) pixelsRemain(n int) error {
	if got := dc.out.Count(); got != n {
		return fmt.Errorf("expected %d pixels, got %d", n, got)
	}
	return nil
}

func (dc *decisionContext) theRegionAtIs(y, x int, state string) error {
	kept := isSet(dc.out, y, x)
	if kept != (state == "kept") {
		return fmt.Errorf("expected region at %d,%d to be %s", y, x, state)
	}
	return nil
}
