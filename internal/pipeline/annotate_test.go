package pipeline

import "testing"

func TestAnnotateSummary(t *testing.T) {
	t.Parallel()
	summary := "The caller reported a stalled car.\n\n- location: 5th and Main\n* engine would not restart\n1. tow requested\nFollow-up scheduled."

	got := AnnotateSummary(summary)
	want := []Annotation{
		{Kind: "paragraph", Text: "The caller reported a stalled car."},
		{Kind: "point", Text: "location: 5th and Main"},
		{Kind: "point", Text: "engine would not restart"},
		{Kind: "point", Text: "tow requested"},
		{Kind: "paragraph", Text: "Follow-up scheduled."},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d annotations, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("annotation %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestAnnotateSummaryEmpty(t *testing.T) {
	t.Parallel()
	if got := AnnotateSummary(""); len(got) != 0 {
		t.Errorf("annotations for empty summary: %v", got)
	}
}

func TestAnnotateSummaryPlainProse(t *testing.T) {
	t.Parallel()
	got := AnnotateSummary("Just one line of prose.")
	if len(got) != 1 || got[0].Kind != "paragraph" {
		t.Errorf("annotations = %v", got)
	}
}
