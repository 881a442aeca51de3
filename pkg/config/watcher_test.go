package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("writing topology: %v", err)
		}
	}
	write("version: \"1\"\nresources:\n  - type: bucket\n    name: site\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []*engine.ResourceNode, 1)
	w := NewWatcher(NewLoader(), zerolog.Nop())
	err := w.Watch(ctx, path, func(nodes []*engine.ResourceNode) error {
		select {
		case reloaded <- nodes:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	write("version: \"1\"\nresources:\n  - type: bucket\n    name: site\n  - type: cdn\n    name: site\n")

	select {
	case nodes := <-reloaded:
		if len(nodes) != 2 {
			t.Errorf("reloaded %d nodes, want 2", len(nodes))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatchKeepsRunningAfterBadParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.yaml")
	if err := os.WriteFile(path, []byte("version: \"1\"\nresources:\n  - type: bucket\n    name: site\n"), 0o644); err != nil {
		t.Fatalf("writing topology: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan int, 4)
	w := NewWatcher(NewLoader(), zerolog.Nop())
	err := w.Watch(ctx, path, func(nodes []*engine.ResourceNode) error {
		reloaded <- len(nodes)
		return nil
	})
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	// Broken YAML must not tear down the watch.
	if err := os.WriteFile(path, []byte("version: [broken"), 0o644); err != nil {
		t.Fatalf("writing topology: %v", err)
	}
	time.Sleep(2 * reloadDelay)

	if err := os.WriteFile(path, []byte("version: \"1\"\nresources:\n  - type: cdn\n    name: site\n"), 0o644); err != nil {
		t.Fatalf("writing topology: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-reloaded:
			if n == 1 {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed after recovery")
		}
	}
}
