package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunWithGolden runs a scenario and compares its formatted trace against
// testdata/golden/{scenario.Name}.golden. The scenario must pass.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, sc *Scenario) *Result {
	t.Helper()

	result, err := Run(context.Background(), sc, Options{})
	if err != nil {
		t.Fatalf("run %s: %v", sc.Name, err)
	}
	if !result.Pass {
		t.Errorf("scenario %s failed:\n%s", sc.Name, result.Format())
	}
	AssertGolden(t, sc.Name, result)
	return result
}

// AssertGolden compares an existing result's formatted trace against a
// golden file without re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(result.Format()))
}
