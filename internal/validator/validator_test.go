package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierr "github.com/ent0n29/taskapp/internal/errors"
)

type sample struct {
	Title       string `json:"title" validate:"required,notblank,max=5"`
	Description string `json:"description" validate:"max=3"`
	Status      string `json:"status" validate:"required,oneof=OPEN DONE"`
}

func TestValidateRequestAccepts(t *testing.T) {
	assert.NoError(t, ValidateRequest(sample{Title: "ok", Status: "OPEN"}))
}

func TestValidateRequestReportsEveryField(t *testing.T) {
	err := ValidateRequest(sample{Title: "   ", Description: "long", Status: "LATER"})
	require.Error(t, err)
	assert.True(t, ierr.IsInvalidArgument(err))

	got := Violations(err)
	assert.Equal(t, []Violation{
		{Field: "description", Message: "size must be at most 3"},
		{Field: "status", Message: "must be one of OPEN DONE"},
		{Field: "title", Message: "must not be blank"},
	}, got)
}

func TestValidateRequestMaxLength(t *testing.T) {
	err := ValidateRequest(sample{Title: strings.Repeat("x", 6), Status: "DONE"})
	require.Error(t, err)
	assert.Equal(t, []Violation{{Field: "title", Message: "size must be at most 5"}}, Violations(err))
}
