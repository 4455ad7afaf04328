package logging

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStdDebugGate(t *testing.T) {
	var buf bytes.Buffer
	l := &Std{std: log.New(&buf, "", 0)}

	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	assert.Equal(t, "shown 2\n", buf.String())

	buf.Reset()
	l.debug = true
	l.Debugf("now %s", "visible")
	assert.Equal(t, "[DEBUG] now visible\n", buf.String())
}

func TestNewLevel(t *testing.T) {
	assert.True(t, New(" DEBUG ").debug)
	assert.False(t, New("info").debug)
}
