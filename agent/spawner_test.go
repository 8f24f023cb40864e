package agent

import "testing"

func TestNewSpawnerRejectsMissingBinary(t *testing.T) {
	_, err := NewSpawner("this-binary-does-not-exist-xyz", false)
	if err == nil {
		t.Fatal("expected an error for a binary not on PATH")
	}
}
