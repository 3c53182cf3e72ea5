package testsupport

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// WaitForWaiters blocks until n tickers or timers are registered on clk,
// failing the test after two seconds. Call it before Advance so the loop
// under test is parked on the fake clock.
func WaitForWaiters(t testing.TB, clk *clockwork.FakeClock, n int) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, n), "waiting for %d clock waiters", n)
}
