package compute

import "testing"

func TestFormatEC2ID(t *testing.T) {
	if got := FormatEC2ID("i", 1); got != "i-00000001" {
		t.Errorf("FormatEC2ID(i, 1) = %q, want i-00000001", got)
	}
	if got := FormatEC2ID("vol", 255); got != "vol-000000ff" {
		t.Errorf("FormatEC2ID(vol, 255) = %q, want vol-000000ff", got)
	}
}

func TestParseEC2ID(t *testing.T) {
	id, err := ParseEC2ID("i-00000001")
	if err != nil || id != 1 {
		t.Errorf("ParseEC2ID(i-00000001) = %d, %v", id, err)
	}
	if _, err := ParseEC2ID("garbage"); err == nil {
		t.Error("ParseEC2ID should reject ids without a dash")
	}
	if _, err := ParseEC2ID("i-zzzz"); err == nil {
		t.Error("ParseEC2ID should reject non-hex ids")
	}
}

func TestLaunchPath(t *testing.T) {
	path := []string{StatePending, StateScheduling, StateNetworking, StateBuilding, StateRunning}
	for i := 0; i < len(path)-1; i++ {
		if !CanTransition(path[i], path[i+1]) {
			t.Errorf("CanTransition(%s, %s) = false, want true", path[i], path[i+1])
		}
	}
}

func TestStopStartGuards(t *testing.T) {
	if !CanTransition(StateRunning, StateStopping) {
		t.Error("running → stopping must be allowed")
	}
	if CanTransition(StateStopped, StateStopping) {
		t.Error("stop is only legal from running")
	}
	if !CanTransition(StateStopped, StateStarting) {
		t.Error("stopped → starting must be allowed")
	}
	if CanTransition(StateRunning, StateStarting) {
		t.Error("start is only legal from stopped")
	}
}

func TestTerminateFromAnywhere(t *testing.T) {
	for _, from := range []string{StatePending, StateScheduling, StateRunning, StateStopped, StateError} {
		if !CanTransition(from, StateTerminating) {
			t.Errorf("CanTransition(%s, terminating) = false, want true", from)
		}
	}
	if CanTransition(StateDeleted, StateTerminating) {
		t.Error("deleted is terminal")
	}
}

func TestDeletedOnlyFromTerminating(t *testing.T) {
	if !CanTransition(StateTerminating, StateDeleted) {
		t.Error("terminating → deleted must be allowed")
	}
	if CanTransition(StateRunning, StateDeleted) {
		t.Error("running → deleted must go through terminating")
	}
}

func TestInstanceTypesShape(t *testing.T) {
	small, ok := InstanceTypes["m1.small"]
	if !ok {
		t.Fatal("m1.small missing from flavor table")
	}
	if small.VCPUs != 1 || small.MemoryMB != 2048 {
		t.Errorf("m1.small = %+v", small)
	}
}
