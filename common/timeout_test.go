package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutSettingsDefaults(t *testing.T) {
	t.Parallel()

	ts := NewTimeoutSettings(nil)
	assert.Equal(t, DefaultTimeout, ts.Timeout())
	assert.Equal(t, DefaultHandshakeTimeout, ts.HandshakeTimeout())
	assert.Equal(t, DefaultSelectorTimeout, ts.SelectorTimeout())
	assert.Equal(t, DefaultSelectorInterval, ts.SelectorInterval())
	assert.Equal(t, DefaultNavigationTimeout, ts.NavigationTimeout())
	assert.Equal(t, DefaultNavigationInterval, ts.NavigationInterval())
}

func TestTimeoutSettingsInheritance(t *testing.T) {
	t.Parallel()

	parent := NewTimeoutSettings(nil)
	parent.SetDefaultTimeout(time.Second)
	parent.SetSelectorTimeout(2 * time.Second)

	child := NewTimeoutSettings(parent)
	child.SetSelectorTimeout(3 * time.Second)
	child.SetHandshakeTimeout(time.Minute)

	assert.Equal(t, time.Second, child.Timeout())
	assert.Equal(t, 3*time.Second, child.SelectorTimeout())
	assert.Equal(t, time.Minute, child.HandshakeTimeout())
	assert.Equal(t, 2*time.Second, parent.SelectorTimeout())
	assert.Equal(t, DefaultHandshakeTimeout, parent.HandshakeTimeout())

	// navigation falls back to the default timeout before the package default
	assert.Equal(t, time.Second, child.NavigationTimeout())
	child.SetNavigationTimeout(5 * time.Second)
	assert.Equal(t, 5*time.Second, child.NavigationTimeout())
}
