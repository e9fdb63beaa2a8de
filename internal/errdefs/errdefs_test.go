package errdefs

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	err := NotFoundf("instance %s", "a")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrInvalidConfig))
	assert.Equal(t, "instance a", err.Error())
	assert.Equal(t, "not_found", Kind(err))

	wrapped := fmt.Errorf("connect: %w", InvalidConfigf("bad screencap %q", "x"))
	assert.True(t, errors.Is(wrapped, ErrInvalidConfig))
	assert.Equal(t, "invalid_config", Kind(wrapped))
}

func TestIOKeepsCause(t *testing.T) {
	err := IO(os.ErrNotExist, "open %s", "f")
	assert.True(t, errors.Is(err, ErrIO))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, "open f: file does not exist", err.Error())
}

func TestKindInternal(t *testing.T) {
	assert.Equal(t, "internal", Kind(errors.New("boom")))
	assert.Equal(t, "", Kind(nil))
}
