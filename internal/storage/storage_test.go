package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"accountpolld/internal/eventbus"
	logx "accountpolld/pkg/logx"
)

func entry(i int) Entry {
	return Entry{
		At:        time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		CycleID:   fmt.Sprintf("c%d", i),
		AccountID: uint32(i),
		ServiceID: "mail",
		PluginKey: "p",
		Outcome:   "ok",
	}
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", "off", "Disabled"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: store=%v err=%v", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "history."+driver)
			st, err := Open(Config{Driver: driver, Path: path, Keep: 5}, logx.Nop())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer st.Close()

			ctx := context.Background()
			for i := 1; i <= 3; i++ {
				e := entry(i)
				if i == 2 {
					e.Outcome = "timeout"
					e.Error = "plugin timed out"
				}
				if err := st.Append(ctx, e); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			got, err := st.Recent(ctx, 2)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 2 || got[0].CycleID != "c3" || got[1].CycleID != "c2" {
				t.Fatalf("recent = %+v", got)
			}
			if got[1].Outcome != "timeout" || got[1].Error != "plugin timed out" {
				t.Fatalf("entry = %+v", got[1])
			}
			if !got[0].At.Equal(entry(3).At) {
				t.Fatalf("at = %v", got[0].At)
			}
		})
	}
}

func TestFileCompactionKeepsNewest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	st, err := Open(Config{Driver: "file", Path: path, Keep: 10}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	// compaction runs every 100 appends
	for i := 1; i <= 100; i++ {
		if err := st.Append(ctx, entry(i)); err != nil {
			t.Fatal(err)
		}
	}
	all, err := readTail(path, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 10 || all[0].CycleID != "c91" {
		t.Fatalf("after compaction: %d entries, first %+v", len(all), all[0])
	}

	// appends continue on the rewritten file
	if err := st.Append(ctx, entry(101)); err != nil {
		t.Fatal(err)
	}
	got, _ := st.Recent(ctx, 1)
	if len(got) != 1 || got[0].CycleID != "c101" {
		t.Fatalf("recent = %+v", got)
	}
}

func TestRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())

	bus.Publish(eventbus.Event{Type: eventbus.TypeCycleStarted, Data: eventbus.CycleStarted{CycleID: "c"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTargetResolved, Data: eventbus.TargetResolved{
		CycleID:       "c",
		Target:        eventbus.Target{AccountID: 4, ServiceID: "mail", PluginKey: "p"},
		Outcome:       "ok",
		Notifications: 2,
		Duration:      1500 * time.Millisecond,
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rec.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := st.Recent(context.Background(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 1 {
			if got[0].AccountID != 4 || got[0].Notifications != 2 || got[0].TookMS != 1500 {
				t.Fatalf("entry = %+v", got[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history not written: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
