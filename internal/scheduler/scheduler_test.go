package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/adhocore/gronx"
)

func newTestScheduler(t *testing.T, deliver Deliver) *Scheduler {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "scheduler.db"), deliver)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddListRoundTrip(t *testing.T) {
	s := newTestScheduler(t, nil)
	ctx := context.Background()

	task, err := s.Add(ctx, "summarize open issues", "0 9 * * 1-5", "default", "/srv/repo")
	if err != nil {
		t.Fatal(err)
	}
	if task.ID == "" || !task.Enabled || task.NextRun.IsZero() {
		t.Fatalf("created task %+v", task)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("list length %d", len(list))
	}
	got := list[0]
	if got.Description != "summarize open issues" || got.CronExpr != "0 9 * * 1-5" ||
		got.Profile != "default" || got.WorkingDir != "/srv/repo" {
		t.Errorf("round-trip task %+v", got)
	}
	if !got.LastRun.IsZero() {
		t.Errorf("fresh task has last_run %v", got.LastRun)
	}
}

func TestAdd_InvalidCron(t *testing.T) {
	s := newTestScheduler(t, nil)
	for _, expr := range []string{"not a cron", "99 * * * *", ""} {
		if _, err := s.Add(context.Background(), "x", expr, "default", ""); err == nil {
			t.Errorf("Add(%q) accepted invalid expression", expr)
		}
	}
}

func TestSetEnabledAndDelete(t *testing.T) {
	s := newTestScheduler(t, nil)
	ctx := context.Background()
	task, _ := s.Add(ctx, "nightly report", "0 3 * * *", "default", "")

	if err := s.SetEnabled(ctx, task.ID, false); err != nil {
		t.Fatal(err)
	}
	list, _ := s.List(ctx)
	if list[0].Enabled {
		t.Error("task still enabled after SetEnabled(false)")
	}

	if err := s.SetEnabled(ctx, "no-such-task", true); err == nil {
		t.Error("SetEnabled on missing task succeeded")
	}

	if err := s.Delete(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	list, _ = s.List(ctx)
	if len(list) != 0 {
		t.Errorf("%d tasks remain after delete", len(list))
	}
}

func TestTick_RunsDueTask(t *testing.T) {
	delivered := make(chan string, 1)
	s := newTestScheduler(t, func(_ context.Context, description, profileName string) (string, error) {
		delivered <- description + "|" + profileName
		return "done: report written", nil
	})
	ctx := context.Background()

	task, _ := s.Add(ctx, "write report", "0 */6 * * *", "default", "")
	// Force the task due; Add always schedules into the future.
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET next_run = ? WHERE id = ?`,
		time.Now().Add(-time.Minute).Unix(), task.ID); err != nil {
		t.Fatal(err)
	}

	s.Tick(ctx)

	select {
	case got := <-delivered:
		if got != "write report|default" {
			t.Errorf("delivered %q", got)
		}
	default:
		t.Fatal("due task was not delivered")
	}

	list, _ := s.List(ctx)
	if list[0].LastRun.IsZero() {
		t.Error("last_run not updated")
	}
	if !list[0].NextRun.After(time.Now()) {
		t.Errorf("next_run %v not advanced past now", list[0].NextRun)
	}

	runs, err := s.Runs(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || !runs[0].OK || runs[0].Output != "done: report written" {
		t.Errorf("run record %+v", runs)
	}
}

func TestTick_RecordsFailure(t *testing.T) {
	s := newTestScheduler(t, func(context.Context, string, string) (string, error) {
		return "", errors.New("provider unavailable")
	})
	ctx := context.Background()
	task, _ := s.Add(ctx, "doomed", "* * * * *", "default", "")
	s.db.ExecContext(ctx, `UPDATE tasks SET next_run = 0 WHERE id = ?`, task.ID)

	s.Tick(ctx)

	runs, _ := s.Runs(ctx, task.ID)
	if len(runs) != 1 || runs[0].OK || runs[0].Error != "provider unavailable" {
		t.Errorf("failure record %+v", runs)
	}
	// A failed run still reschedules.
	list, _ := s.List(ctx)
	if list[0].NextRun.IsZero() || !list[0].Enabled {
		t.Errorf("task state after failure %+v", list[0])
	}
}

func TestTick_SkipsDisabledAndFuture(t *testing.T) {
	calls := 0
	s := newTestScheduler(t, func(context.Context, string, string) (string, error) {
		calls++
		return "", nil
	})
	ctx := context.Background()

	future, _ := s.Add(ctx, "later", "0 0 1 1 *", "default", "")
	off, _ := s.Add(ctx, "off", "* * * * *", "default", "")
	s.db.ExecContext(ctx, `UPDATE tasks SET next_run = 0 WHERE id = ?`, off.ID)
	s.SetEnabled(ctx, off.ID, false)
	_ = future

	s.Tick(ctx)
	if calls != 0 {
		t.Errorf("deliver called %d times for non-runnable tasks", calls)
	}
}

func TestCronEverySixHours_FourRunsPerDay(t *testing.T) {
	const expr = "0 */6 * * *"
	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	ref := dayStart.Add(-time.Second)
	var ticks []time.Time
	for {
		next, err := gronx.NextTickAfter(expr, ref, false)
		if err != nil {
			t.Fatal(err)
		}
		if !next.Before(dayEnd) {
			break
		}
		ticks = append(ticks, next)
		ref = next
	}

	if len(ticks) != 4 {
		t.Fatalf("%d ticks in one day, want 4: %v", len(ticks), ticks)
	}
	for i, hour := range []int{0, 6, 12, 18} {
		if ticks[i].Hour() != hour || ticks[i].Minute() != 0 {
			t.Errorf("tick %d at %v, want hour %d", i, ticks[i], hour)
		}
	}
}
