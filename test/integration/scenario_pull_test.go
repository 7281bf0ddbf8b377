package integration

import (
	"testing"
	"time"

	"heatersync/internal/coordinator"
	"heatersync/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenario_PullPollsOnInterval checks that a pull session picks up
// changes only when the poll interval elapses.
func TestScenario_PullPollsOnInterval(t *testing.T) {
	env := setupTest(t)

	t.Log("GIVEN: A pull session polling every 10 seconds")
	sess := startSession(t, env, coordinator.StrategyPull)
	waitForStatus(t, sess, "D03224", 195)
	assert.Equal(t, 0, env.Server.Subscribers(), "pull sessions never subscribe")

	t.Log("WHEN: The device changes between polls")
	env.Clock.BlockUntil(1)
	status := env.Server.Status()
	status["D03224"] = 188
	env.Server.SetStatus(status)

	t.Log("THEN: Nothing changes before the interval elapses")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(195), sess.Coordinator().Status()["D03224"])

	t.Log("THEN: The next poll reports the new temperature")
	env.Clock.Advance(10 * time.Second)
	waitForStatus(t, sess, "D03224", 188)
	assert.Equal(t, coordinator.Live, sess.Coordinator().Availability())
}

// TestScenario_PullWriteControlsRefreshes checks that a control write is
// followed by an immediate refresh instead of waiting for the next poll.
func TestScenario_PullWriteControlsRefreshes(t *testing.T) {
	env := setupTest(t)

	t.Log("GIVEN: A pull session with the heater on")
	sess := startSession(t, env, coordinator.StrategyPull)
	env.Server.ClearControlWrites()

	t.Log("WHEN: The heater is switched off")
	require.NoError(t, writeControls(t, sess, map[string]any{"D03102": 0}))

	t.Log("THEN: The write reached the gateway and the refresh shows it without a tick")
	assert.NotNil(t, testutil.FindControlWrite(env.ControlWrites(), "D03102", float64(0)))
	waitForStatus(t, sess, "D03102", 0)
}

// TestScenario_RejectedWrite checks that a device error is returned to the
// caller and leaves the status untouched.
func TestScenario_RejectedWrite(t *testing.T) {
	env := setupTest(t)
	env.Server.FailControls(&testutil.Error{Code: "invalid_value", Message: "target out of range"})

	sess := startSession(t, env, coordinator.StrategyPull)

	err := writeControls(t, sess, map[string]any{"D0310E": 99})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target out of range")
	assert.Equal(t, int64(21), sess.Coordinator().Status()["D0310E"])
}
