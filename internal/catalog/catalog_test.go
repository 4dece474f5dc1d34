package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/mission-council/internal/model"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.NotEmpty(t, c.Location)
	assert.NotEmpty(t, c.Atmosphere)
	assert.Contains(t, c.Definitions(), "차분한")
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Location, c.Location)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
location:
  - answer: 정문
    hint: 입구
atmosphere:
  - answer: 고요한
    hint: 조용히
    definition: 소리 없는 장면
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Location, 1)
	assert.Equal(t, "정문", c.Location[0].Answer)
	assert.Equal(t, map[string]string{"고요한": "소리 없는 장면"}, c.Definitions())
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"malformed":        "location: [",
		"no atmosphere":    "location:\n  - answer: a\n",
		"blank answer":     "location:\n  - answer: ' '\natmosphere:\n  - answer: b\n",
		"empty everything": "",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestTodayDeterministic(t *testing.T) {
	c := Default()
	day := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	first, err := c.Today(day, model.MissionTypeLocation, "")
	require.NoError(t, err)
	again, err := c.Today(day.Add(10*time.Hour), model.MissionTypeLocation, "")
	require.NoError(t, err)
	assert.Equal(t, first, again, "same calendar day picks the same target")
	assert.Contains(t, c.Location, first)

	atm, err := c.Today(day, model.MissionTypeAtmosphere, "")
	require.NoError(t, err)
	assert.Contains(t, c.Atmosphere, atm)
}

func TestTodayVariesAcrossDays(t *testing.T) {
	c := Default()
	seen := map[string]bool{}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		e, err := c.Today(start.AddDate(0, 0, i), model.MissionTypeAtmosphere, "")
		require.NoError(t, err)
		seen[e.Answer] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestTodayOverride(t *testing.T) {
	c := Default()
	day := time.Now()

	e, err := c.Today(day, model.MissionTypeAtmosphere, " 웅장한 ")
	require.NoError(t, err)
	assert.Equal(t, "웅장한", e.Answer)

	// Decomposed Hangul still matches.
	e, err = c.Today(day, model.MissionTypeLocation, norm.NFD.String("지혜의숲"))
	require.NoError(t, err)
	assert.Equal(t, "지혜의숲", e.Answer)

	_, err = c.Today(day, model.MissionTypeLocation, "웅장한")
	assert.True(t, errors.Is(err, ErrUnknownAnswer))
}
