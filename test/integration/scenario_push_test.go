package integration

import (
	"context"
	"testing"

	"heatersync/internal/coordinator"
	"heatersync/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenario_PushFollowsDevice checks that a push session mirrors every
// status the gateway reports.
func TestScenario_PushFollowsDevice(t *testing.T) {
	env := setupTest(t)

	t.Log("GIVEN: A push session connected to a heater at 19.5°C")
	sess := startSession(t, env, coordinator.StrategyPush)
	assert.Equal(t, coordinator.Live, sess.Coordinator().Availability())
	waitForStatus(t, sess, "D03224", 195)
	require.Eventually(t, func() bool { return env.Server.Subscribers() == 1 }, waitFor, tick)

	t.Log("WHEN: The room warms up")
	status := env.Server.Status()
	status["D03224"] = 201
	env.Server.SetStatus(status)

	t.Log("THEN: The session reports the new temperature and persists it")
	waitForStatus(t, sess, "D03224", 201)
	assert.GreaterOrEqual(t, sess.Notifications(), int64(1))

	cached, ok, err := env.Store.Load(context.Background(), sess.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(201), cached["D03224"])
}

// TestScenario_PushReconnectsAfterDrop checks that a dropped gateway
// connection marks the status stale and is rebuilt after the backoff.
func TestScenario_PushReconnectsAfterDrop(t *testing.T) {
	env := setupTest(t)

	t.Log("GIVEN: A streaming push session")
	sess := startSession(t, env, coordinator.StrategyPush)
	require.Eventually(t, func() bool { return env.Server.Subscribers() == 1 }, waitFor, tick)

	t.Log("WHEN: The gateway drops every connection")
	env.Server.DropConnections()

	t.Log("THEN: The last status is kept but no longer live")
	waitForAvailability(t, sess, coordinator.Stale)
	assert.Equal(t, int64(195), sess.Coordinator().Status()["D03224"])

	t.Log("WHEN: The backoff delay passes")
	env.Clock.BlockUntil(1)
	env.Clock.Advance(coordinator.DefaultBackoffFloor)

	t.Log("THEN: The session subscribes again and goes live on the next report")
	require.Eventually(t, func() bool { return env.Server.Subscribers() == 1 }, waitFor, tick)
	status := env.Server.Status()
	status["D03102"] = 0
	env.Server.SetStatus(status)

	waitForStatus(t, sess, "D03102", 0)
	waitForAvailability(t, sess, coordinator.Live)
}

// TestScenario_PushWriteControls checks that a control write reaches the
// gateway and the applied value comes back over the subscription.
func TestScenario_PushWriteControls(t *testing.T) {
	env := setupTest(t)

	t.Log("GIVEN: A streaming push session with target 21°C")
	sess := startSession(t, env, coordinator.StrategyPush)
	require.Eventually(t, func() bool { return env.Server.Subscribers() == 1 }, waitFor, tick)
	env.Server.ClearControlWrites()

	t.Log("WHEN: The target is raised to 23°C")
	require.NoError(t, writeControls(t, sess, map[string]any{"D0310E": 23}))

	t.Log("THEN: The gateway received the write and the session follows")
	writes := testutil.FilterControlWrites(env.ControlWrites(), "D0310E")
	require.Len(t, writes, 1)
	assert.NotNil(t, testutil.FindControlWrite(writes, "D0310E", float64(23)))
	waitForStatus(t, sess, "D0310E", 23)
}
