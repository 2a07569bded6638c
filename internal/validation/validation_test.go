package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/emberfell/hearthgate/internal/errors"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text untouched", "Movie night", "Movie night"},
		{"angle brackets removed", "<script>alert(1)</script>", "scriptalert(1)/script"},
		{"quotes removed", `say "hi" to 'them'`, "say hi to them"},
		{"ampersand removed", "salt & pepper", "salt  pepper"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Sanitize(got), "sanitizing twice must equal sanitizing once")
		})
	}
}

func TestIsEntityID(t *testing.T) {
	accepted := []string{
		"light.living_room",
		"automation.morning_routine",
		"sensor.outdoor_temp_2",
		"input_boolean.guest_mode",
	}
	for _, id := range accepted {
		assert.True(t, IsEntityID(id), id)
	}

	rejected := []string{
		"Light.Living_Room",
		"light.",
		"lightliving_room",
		"light.<script>",
		".living_room",
		"light.living.room",
		"light living_room",
		"",
	}
	for _, id := range rejected {
		assert.False(t, IsEntityID(id), id)
	}
}

func TestApply_ReportsFirstFailure(t *testing.T) {
	err := Apply("entity_id", "Thermostat", NotEmpty(), EntityID(), InDomain("climate"))
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindInvalidArgument, appErr.Kind)
	assert.Equal(t, "entity_id", appErr.Field)
	assert.Contains(t, appErr.UserMessage, "well-formed identifier")
}

func TestApply_PassesValidInput(t *testing.T) {
	err := Apply("entity_id", "climate.hallway", NotEmpty(), EntityID(), InDomain("climate"))
	assert.NoError(t, err)
}

func TestInDomain(t *testing.T) {
	rule := InDomain("light")

	assert.True(t, rule.Check("light.porch"))
	assert.False(t, rule.Check("switch.porch"))
	assert.False(t, rule.Check("light"))
}

func TestOneOf(t *testing.T) {
	rule := OneOf("turn_on", "turn_off", "toggle")

	assert.True(t, rule.Check("toggle"))
	assert.False(t, rule.Check("explode"))
	assert.Contains(t, rule.Message, "turn_on")
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "light", Domain("light.living_room"))
	assert.Equal(t, "media_player", Domain("media_player.tv"))
	assert.Equal(t, "", Domain("nodot"))
}

func TestRange(t *testing.T) {
	assert.NoError(t, Range("brightness", 0, 0, 255))
	assert.NoError(t, Range("brightness", 255, 0, 255))

	err := Range("brightness", 300, 0, 255)
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "brightness", appErr.Field)
	assert.Contains(t, appErr.UserMessage, "between 0 and 255")
}

func TestInRange(t *testing.T) {
	assert.True(t, InRange(153, 153, 500))
	assert.True(t, InRange(500, 153, 500))
	assert.False(t, InRange(152.9, 153, 500))
	assert.False(t, InRange(500.1, 153, 500))
}

func TestCheckService(t *testing.T) {
	assert.NoError(t, CheckService("light", "turn_on"))
	assert.NoError(t, CheckService("recorder", "enable"))

	denied := [][2]string{
		{"homeassistant", "restart"},
		{"homeassistant", "stop"},
		{"recorder", "purge"},
		{"recorder", "purge_entities"},
		{"hassio", "host_reboot"},
	}
	for _, pair := range denied {
		err := CheckService(pair[0], pair[1])
		require.Error(t, err, pair)
		assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err))
	}
}

func TestKnownDomain(t *testing.T) {
	assert.True(t, IsKnownDomain("light"))
	assert.True(t, IsKnownDomain("todo"))
	assert.False(t, IsKnownDomain("warp_drive"))

	rule := KnownDomain()
	assert.False(t, rule.Check(""))
}
