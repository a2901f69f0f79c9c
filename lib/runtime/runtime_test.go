package runtime

import (
	"context"
	"testing"
)

func TestNoopRuntime_LaunchListTerminate(t *testing.T) {
	rt := NewNoopRuntime()
	ctx := context.Background()

	if err := rt.Launch(ctx, 3); err != nil {
		t.Fatalf("launch: %v", err)
	}
	running, err := rt.ListRunning(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(running) != 3 {
		t.Fatalf("expected 3 running engines, got %d", len(running))
	}

	names := make(map[string]bool)
	for _, d := range running {
		names[d.ContainerName] = true
		if d.Host == "" || d.Port == 0 {
			t.Fatalf("descriptor missing endpoint: %+v", d)
		}
	}
	for _, want := range []string{"engine-1", "engine-2", "engine-3"} {
		if !names[want] {
			t.Fatalf("expected sequential name %s, have %v", want, names)
		}
	}

	if err := rt.Terminate(ctx, running[0].ContainerID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	running, _ = rt.ListRunning(ctx)
	if len(running) != 2 {
		t.Fatalf("expected 2 running after terminate, got %d", len(running))
	}
}

func TestNoopRuntime_LaunchReusesFreedName(t *testing.T) {
	rt := NewNoopRuntime()
	ctx := context.Background()

	rt.Launch(ctx, 2)
	running, _ := rt.ListRunning(ctx)
	var second string
	for _, d := range running {
		if d.ContainerName == "engine-2" {
			second = d.ContainerID
		}
	}
	if second == "" {
		t.Fatal("expected engine-2 to exist")
	}
	rt.Terminate(ctx, second)

	rt.Launch(ctx, 1)
	running, _ = rt.ListRunning(ctx)
	found := false
	for _, d := range running {
		if d.ContainerName == "engine-2" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the freed engine-2 name to be reused")
	}
}
