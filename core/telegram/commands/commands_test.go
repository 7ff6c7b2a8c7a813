package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	tele "gopkg.in/telebot.v4"
)

func TestCanonical(t *testing.T) {
	assert.Equal(t, "/menu", Canonical(" Menu "))
	assert.Equal(t, "/menu", Canonical("/MENU"))
	assert.Equal(t, "", Canonical("  "))
}

func TestParse(t *testing.T) {
	cases := map[string]struct {
		name string
		ok   bool
	}{
		"/userbot":             {"/userbot", true},
		"/Menu@some_bot extra": {"/menu", true},
		"  /cancel  ":          {"/cancel", true},
		"hello":                {"", false},
		"/":                    {"", false},
		"":                     {"", false},
	}
	for in, want := range cases {
		name, ok := Parse(in)
		assert.Equal(t, want.ok, ok, in)
		assert.Equal(t, want.name, name, in)
	}
}

func TestValidateAndVisibility(t *testing.T) {
	h := func(tele.Context) error { return nil }
	assert.Error(t, Command{Description: "x"}.Validate())
	assert.Error(t, Command{Handler: h, Description: " "}.Validate())
	assert.NoError(t, Command{Handler: h, Description: "x"}.Validate())

	assert.True(t, Command{}.Public())
	assert.False(t, Command{Hidden: true}.Public())
	assert.False(t, Command{AdminOnly: true}.Public())

	assert.Equal(t, []string{"/userbot", "/menu"}, Command{Aliases: []string{"Menu"}}.Names("userbot"))
}
