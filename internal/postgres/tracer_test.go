package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/linnemanlabs/go-core/log"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/switchboard/internal/profile/pgstore.(*Store).Get", "(*Store).Get"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Get", "(*Store).Get"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestQueryStats_AddQuery(t *testing.T) {
	t.Parallel()

	s := &QueryStats{}

	s.AddQuery(10*time.Millisecond, nil)
	s.AddQuery(20*time.Millisecond, errors.New("timeout"))
	s.AddQuery(5*time.Millisecond, nil)

	if s.QueryCount != 3 {
		t.Errorf("QueryCount = %d, want 3", s.QueryCount)
	}
	if s.TotalDuration != 35*time.Millisecond {
		t.Errorf("TotalDuration = %v, want 35ms", s.TotalDuration)
	}
	if s.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", s.ErrorCount)
	}
}

func TestQueryStatsContext(t *testing.T) {
	t.Parallel()

	if _, ok := QueryStatsFromContext(context.Background()); ok {
		t.Error("expected ok=false for plain context")
	}

	ctx := NewQueryStatsContext(context.Background())
	got, ok := QueryStatsFromContext(ctx)
	if !ok || got == nil {
		t.Fatal("expected stats on context")
	}
	got.AddQuery(time.Millisecond, nil)
	got2, _ := QueryStatsFromContext(ctx)
	if got2.QueryCount != 1 {
		t.Errorf("QueryCount = %d, want 1 (same pointer)", got2.QueryCount)
	}
}

func TestLabels(t *testing.T) {
	t.Parallel()

	ctx := WithOperation(WithStage(context.Background(), "triage"), "profile.get")
	if got := StageFromContext(ctx); got != "triage" {
		t.Errorf("stage = %q", got)
	}
	if got := labelFromContext(ctx, ctxKeyOperation, "unknown"); got != "profile.get" {
		t.Errorf("operation = %q", got)
	}

	bare := WithStage(context.Background(), "")
	if got := StageFromContext(bare); got != "unknown" {
		t.Errorf("empty stage = %q, want default", got)
	}
}

// recordingTracer records calls from loggingTracer.
type recordingTracer struct {
	starts, ends int
}

func (r *recordingTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	r.starts++
	return ctx
}

func (r *recordingTracer) TraceQueryEnd(context.Context, *pgx.Conn, pgx.TraceQueryEndData) {
	r.ends++
}

// Not parallel: the query observer is process-wide.
func TestLoggingTracer_ObservesQueries(t *testing.T) {
	defer SetQueryObserver(nil)

	type obs struct{ stage, op, outcome string }
	var got []obs
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, stage, op, outcome string, _ time.Duration) {
		got = append(got, obs{stage, op, outcome})
	}))

	inner := &recordingTracer{}
	tr := wrapQueryTracer(inner)

	ctx := log.WithContext(context.Background(), log.Nop())
	ctx = NewQueryStatsContext(WithOperation(WithStage(ctx, "triage"), "profile.get"))

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	qctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT broken"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: &pgconn.PgError{Code: "42601"}})

	if inner.starts != 2 || inner.ends != 2 {
		t.Errorf("inner tracer calls = %d/%d, want 2/2", inner.starts, inner.ends)
	}
	if len(got) != 2 {
		t.Fatalf("observations = %d, want 2", len(got))
	}
	if got[0] != (obs{"triage", "profile.get", "ok"}) {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].outcome != "error" {
		t.Errorf("second outcome = %q, want error", got[1].outcome)
	}

	stats, _ := QueryStatsFromContext(ctx)
	if stats.QueryCount != 2 || stats.ErrorCount != 1 {
		t.Errorf("stats = %d queries, %d errors", stats.QueryCount, stats.ErrorCount)
	}
}

func TestSetQueryObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	}))
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "triage", "profile.get", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	if got := getQueryObserver(); got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}

func TestWrapQueryTracer_NilInner(t *testing.T) {
	t.Parallel()

	tr := wrapQueryTracer(nil)
	ctx := tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})
}
