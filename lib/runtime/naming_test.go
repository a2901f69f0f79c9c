package runtime

import "testing"

func TestGenerateContainerName_FreshFleet(t *testing.T) {
	name := GenerateContainerName("engine", nil)
	if name != "engine-1" {
		t.Fatalf("expected engine-1, got %s", name)
	}
}

func TestGenerateContainerName_FillsLowestGap(t *testing.T) {
	existing := []string{"engine-1", "engine-3", "engine-4"}
	name := GenerateContainerName("engine", existing)
	if name != "engine-2" {
		t.Fatalf("expected engine-2 to fill the gap, got %s", name)
	}
}

func TestGenerateContainerName_IgnoresOtherPrefixes(t *testing.T) {
	existing := []string{"sidecar-1", "engine-1"}
	name := GenerateContainerName("engine", existing)
	if name != "engine-2" {
		t.Fatalf("expected engine-2, got %s", name)
	}
}

func TestGenerateContainerName_NoGapsAppendsNext(t *testing.T) {
	existing := []string{"engine-1", "engine-2", "engine-3"}
	name := GenerateContainerName("engine", existing)
	if name != "engine-4" {
		t.Fatalf("expected engine-4, got %s", name)
	}
}
