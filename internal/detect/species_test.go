package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpeciesCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string
	}{
		{"Crow", "crow"},
		{"Pigeon", "pigeon"},
		{"Cormorant", "cormor"},
		{"American Robin", "amerob"},
		{"Black-capped Chickadee", "bcachi"},
		{"Great Spotted Woodpecker", "gspwoo"},
		{"Northern Rough-winged Swallow", "nrwswa"},
		{"  ", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SpeciesCode(tt.name), tt.name)
	}
	assert.Equal(t, SpeciesCode("Crow"), SpeciesCode("crow"))
}
