package main

import (
	"context"
	"path/filepath"
	"testing"

	"testbed/pkg/config"
)

func newMemorySession(t *testing.T) *session {
	t.Helper()

	t.Setenv("TESTBED_NAME", "bench")
	t.Setenv("TESTBED_STORAGE", filepath.Join(t.TempDir(), "instances.json"))
	t.Setenv("AWS_NVME", "false")

	previousProvider, previousLevel := providerName, logLevel
	providerName, logLevel = config.ProviderMemory, "error"
	t.Cleanup(func() { providerName, logLevel = previousProvider, previousLevel })

	s, err := newSession(context.Background())
	if err != nil {
		t.Fatalf("newSession failed: %v", err)
	}
	return s
}

func TestSession_ListInstancesStoresSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newMemorySession(t)

	instance, err := s.provider.CreateInstance(ctx, "us-east")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	if _, err := s.storage.GetInstance(config.ProviderMemory, instance.ID); err == nil {
		t.Fatal("Expected no stored instance before listing")
	}

	listed, err := s.listInstances(ctx)
	if err != nil {
		t.Fatalf("listInstances failed: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("Expected 1 instance, got %d", len(listed))
	}

	record, err := s.storage.GetInstance(config.ProviderMemory, instance.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if record.Instance.Region != "us-east" {
		t.Errorf("Region = %s, want us-east", record.Instance.Region)
	}
}

func TestSession_ResolveInstances(t *testing.T) {
	ctx := context.Background()
	s := newMemorySession(t)

	instance, err := s.provider.CreateInstance(ctx, "us-east")
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	resolved, err := s.resolveInstances(ctx, []string{instance.ID, "42"})
	if err != nil {
		t.Fatalf("resolveInstances failed: %v", err)
	}
	if len(resolved) != 2 {
		t.Fatalf("Expected 2 instances, got %d", len(resolved))
	}
	if resolved[0].Region != "us-east" {
		t.Errorf("Listed instance region = %q, want us-east", resolved[0].Region)
	}
	if resolved[1].ID != "42" || resolved[1].Region != "" {
		t.Errorf("Unlisted instance = %+v, want bare id 42", resolved[1])
	}
}
