package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegister_Validation(t *testing.T) {
	s := New()
	noop := func(ctx context.Context) error { return nil }

	tests := []struct {
		name string
		task *Task
	}{
		{"missing id", IntervalTask("", "x", time.Second, noop)},
		{"missing handler", IntervalTask("a", "x", time.Second, nil)},
		{"zero interval", IntervalTask("a", "x", 0, noop)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Register(tt.task); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := s.Register(IntervalTask("a", "x", time.Second, noop)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Register(IntervalTask("a", "x", time.Second, noop)); err == nil {
		t.Error("duplicate ID should fail")
	}
}

func TestScheduler_RunsTasks(t *testing.T) {
	s := New()
	var runs atomic.Int32
	s.Register(IntervalTask("tick", "Tick", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if runs.Load() < 3 {
		t.Fatalf("task ran %d times, want >= 3", runs.Load())
	}
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != after {
		t.Error("task kept running after Stop")
	}
	if st := s.GetStats(); st.Started || st.TotalRuns < 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestScheduler_RunNowRecordsErrors(t *testing.T) {
	s := New()
	fail := true
	s.Register(IntervalTask("flaky", "Flaky", time.Hour, func(ctx context.Context) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}))

	if err := s.RunNow(context.Background(), "flaky"); err == nil {
		t.Fatal("RunNow() should report the handler error")
	}
	tasks := s.ListTasks()
	if len(tasks) != 1 || tasks[0].ErrorCount != 1 || tasks[0].LastError != "boom" {
		t.Fatalf("tasks = %+v", tasks)
	}

	fail = false
	if err := s.RunNow(context.Background(), "flaky"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	tasks = s.ListTasks()
	if tasks[0].RunCount != 2 || tasks[0].LastError != "" {
		t.Errorf("tasks = %+v", tasks)
	}

	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Error("unknown task should fail")
	}
}

func TestScheduler_HandlerTimeout(t *testing.T) {
	s := New()
	task := IntervalTask("slow", "Slow", time.Hour, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	task.Timeout = 10 * time.Millisecond
	s.Register(task)

	err := s.RunNow(context.Background(), "slow")
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
