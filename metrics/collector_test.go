package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mcp-nexus/mcp-nexus-go/batch"
	"github.com/mcp-nexus/mcp-nexus-go/cdb"
	"github.com/mcp-nexus/mcp-nexus-go/internal/clock"
	"github.com/mcp-nexus/mcp-nexus-go/internal/procexec"
	"github.com/mcp-nexus/mcp-nexus-go/notify"
	"github.com/mcp-nexus/mcp-nexus-go/recovery"
	"github.com/mcp-nexus/mcp-nexus-go/session"
)

func newTestManager(clk clock.Clock) *session.Manager {
	return session.NewManager(session.Deps{
		Launcher: procexec.NewFakeLauncher(),
		Clock:    clk,
		Sink:     notify.NopSink{},
	}, session.Config{
		MaxConcurrentSessions: 4,
		SessionTimeout:        time.Hour,
		CleanupInterval:       time.Hour,
		HeartbeatInterval:     time.Hour,
		ResultCacheCapacity:   16,
		Adapter:               cdb.Config{},
		Batch:                 batch.Config{Enabled: false},
		Recovery:              recovery.Config{MaxAttempts: 1},
	})
}

func TestCollectorReportsZeroStatsForFreshManager(t *testing.T) {
	m := newTestManager(clock.NewFake(time.Unix(0, 0)))
	c := NewCollector(m)

	want := strings.NewReader(`
		# HELP mcpnexus_sessions_created_total Total number of sessions created since process start
		# TYPE mcpnexus_sessions_created_total counter
		mcpnexus_sessions_created_total 0
		# HELP mcpnexus_sessions_active Number of sessions currently in the Active state
		# TYPE mcpnexus_sessions_active gauge
		mcpnexus_sessions_active 0
	`)
	if err := testutil.CollectAndCompare(c, want, "mcpnexus_sessions_created_total", "mcpnexus_sessions_active"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestCollectorTracksUptime(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := newTestManager(fc)
	fc.Advance(90 * time.Second)

	c := NewCollector(m)
	want := strings.NewReader(`
		# HELP mcpnexus_uptime_seconds Seconds since the process's Session Manager was constructed
		# TYPE mcpnexus_uptime_seconds gauge
		mcpnexus_uptime_seconds 90
	`)
	if err := testutil.CollectAndCompare(c, want, "mcpnexus_uptime_seconds"); err != nil {
		t.Fatalf("unexpected uptime metric: %v", err)
	}
}

func TestDescribeEmitsEveryMetric(t *testing.T) {
	c := NewCollector(newTestManager(clock.NewFake(time.Unix(0, 0))))
	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)

	var names []string
	for d := range ch {
		names = append(names, d.String())
	}
	if len(names) != 9 {
		t.Fatalf("Describe emitted %d descriptors, want 9", len(names))
	}
	joined := strings.Join(names, "\n")
	if !strings.Contains(joined, "mcpnexus_sessions_active") {
		t.Fatalf("expected sessions_active among descriptors:\n%s", joined)
	}
}
