package validate_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hughpyle/keep/internal/validate"
)

func TestID(t *testing.T) {
	for _, id := range []string{"%a1b2c3d4e5f6", "now", "now:auth", ".tag/act", "https://example.com/page", "auth-log"} {
		assert.NoError(t, validate.ID(id, 0), id)
	}
	for _, id := range []string{"", "a@V1", "with\nnewline", "null\x00byte", strings.Repeat("x", validate.MaxID+1)} {
		assert.Error(t, validate.ID(id, 0), id)
	}
}

func TestIDClassifiers(t *testing.T) {
	assert.True(t, validate.IsSystem(".tag/act"))
	assert.False(t, validate.IsSystem("now"))
	assert.True(t, validate.IsContentAddressed("%a1b2c3d4e5f6"))
	assert.False(t, validate.IsContentAddressed("named"))
}

func TestTagKey(t *testing.T) {
	assert.NoError(t, validate.TagKey("topic"))
	assert.NoError(t, validate.TagKey("_created")) // system keys are valid keys
	assert.Error(t, validate.TagKey(""))
	assert.Error(t, validate.TagKey("has=equals"))
	assert.Error(t, validate.TagKey("has\nnewline"))
}

func TestTagValue(t *testing.T) {
	assert.NoError(t, validate.TagValue("api"))
	assert.NoError(t, validate.TagValue("")) // deletion marker
	assert.Error(t, validate.TagValue("null\x00byte"))
	assert.Error(t, validate.TagValue(strings.Repeat("x", validate.MaxTagValue+1)))
}

func TestIsSystemKey(t *testing.T) {
	assert.True(t, validate.IsSystemKey("_created"))
	assert.False(t, validate.IsSystemKey("topic"))
}

func TestTags(t *testing.T) {
	assert.NoError(t, validate.Tags(map[string]string{"a": "1", "b": ""}))
	assert.Error(t, validate.Tags(map[string]string{"": "1"}))
}

func TestContent(t *testing.T) {
	assert.NoError(t, validate.Content("hello", 0))
	assert.NoError(t, validate.Content("hello", 5))
	assert.ErrorIs(t, validate.Content("hello!", 5), validate.ErrContentTooLarge)
}
