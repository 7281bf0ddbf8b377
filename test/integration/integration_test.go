// Package integration runs sessions end to end against the mock gateway over
// a real WebSocket connection.
package integration

import (
	"context"
	"testing"
	"time"

	"heatersync/internal/coordinator"
	"heatersync/internal/session"
	"heatersync/pkg/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testToken = "test_token_12345"
	waitFor   = 3 * time.Second
	tick      = 10 * time.Millisecond
)

var initialStatus = map[string]interface{}{
	"D01S03": "Living Room",
	"D01S05": "CX5120",
	"D03102": 1,
	"D0310E": 21,
	"D03224": 195,
}

func setupTest(t *testing.T) *testutil.TestEnv {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	env := testutil.NewTestEnv(testToken, logger)
	env.Server.SetStatus(initialStatus)
	t.Cleanup(env.Cleanup)
	return env
}

func startSession(t *testing.T, env *testutil.TestEnv, strategy coordinator.Strategy) *session.Session {
	t.Helper()
	sess, err := env.StartSession(strategy, 10*time.Second)
	require.NoError(t, err)
	return sess
}

// waitForStatus waits until field reports want
func waitForStatus(t *testing.T, sess *session.Session, field string, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok := sess.Coordinator().Status().Int(field)
		return ok && v == want
	}, waitFor, tick, "field %s never reached %d", field, want)
}

func waitForAvailability(t *testing.T, sess *session.Session, want coordinator.Availability) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sess.Coordinator().Availability() == want
	}, waitFor, tick, "availability never became %s", want)
}

func writeControls(t *testing.T, sess *session.Session, controls map[string]any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return sess.Coordinator().WriteControls(ctx, controls)
}
