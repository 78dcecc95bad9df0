package scheduler

import "testing"

type fakeStatus struct {
	downloaded map[uint32]bool
}

func (f fakeStatus) Downloaded(i uint32) bool { return f.downloaded[i] }

func TestBuildCoversMissingExactlyOnce(t *testing.T) {
	// chunks 0,1 downloaded; 2,3,4 missing; 5 downloaded; 6,7 missing
	status := fakeStatus{downloaded: map[uint32]bool{0: true, 1: true, 5: true}}

	schedule := Build(status, 0, 7, 256)

	want := []Entry{{Begin: 2, End: 4}, {Begin: 6, End: 7}}
	if len(schedule) != len(want) {
		t.Fatalf("schedule = %+v, want %+v", schedule, want)
	}
	for i := range want {
		if schedule[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, schedule[i], want[i])
		}
	}
}

func TestBuildRespectsHashesPerMTU(t *testing.T) {
	status := fakeStatus{downloaded: map[uint32]bool{}}
	schedule := Build(status, 0, 9, 3)

	want := []Entry{{0, 2}, {3, 5}, {6, 8}, {9, 9}}
	if len(schedule) != len(want) {
		t.Fatalf("schedule = %+v, want %+v", schedule, want)
	}
	for i := range want {
		if schedule[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, schedule[i], want[i])
		}
		if schedule[i].End-schedule[i].Begin+1 > 3 {
			t.Errorf("entry %d exceeds hashes_per_mtu", i)
		}
	}
}

func TestBuildAllDownloadedIsEmpty(t *testing.T) {
	status := fakeStatus{downloaded: map[uint32]bool{0: true, 1: true, 2: true}}
	schedule := Build(status, 0, 2, 256)
	if len(schedule) != 0 {
		t.Errorf("expected empty schedule, got %+v", schedule)
	}
}

func TestAllDownloaded(t *testing.T) {
	status := fakeStatus{downloaded: map[uint32]bool{0: true, 1: true, 2: true}}
	if !AllDownloaded(status, 3) {
		t.Error("expected AllDownloaded true")
	}
	status.downloaded[1] = false
	if AllDownloaded(status, 3) {
		t.Error("expected AllDownloaded false")
	}
}

func TestEstimatedBufferSize(t *testing.T) {
	schedule := []Entry{{Begin: 3, End: 6}}
	got := EstimatedBufferSize(schedule, 3, 1024)
	if got != 4096 {
		t.Errorf("estimated buffer size = %d, want 4096", got)
	}
	if EstimatedBufferSize(nil, 0, 1024) != 0 {
		t.Error("expected 0 for empty schedule")
	}
}
