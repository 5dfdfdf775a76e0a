package events

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/record"
)

func TestTruncate_ShortUnchanged(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello"))
}

func TestTruncate_LongCutsAtBoundary(t *testing.T) {
	// build a string whose multi-byte runes straddle the cut point: the
	// one-byte prefix puts byte 1024 inside a 2-byte rune.
	var b strings.Builder
	b.WriteString("a")
	for i := 0; i < 400; i++ {
		b.WriteString("ééé") // 6 bytes each, 2-byte runes
	}
	s := b.String()
	got := Truncate(s)
	assert.True(t, len(got) <= maxNoteBytes+len("..."))
	assert.True(t, utf8.ValidString(strings.TrimSuffix(got, "...")))
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestReporter_Report(t *testing.T) {
	fr := record.NewFakeRecorder(10)
	r := NewReporter(fr)
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "some-pod"}}

	r.Report(pod, ReasonDelayDeletion, ActionDrain, "")

	select {
	case got := <-fr.Events:
		assert.Contains(t, got, ReasonDelayDeletion)
		assert.Contains(t, got, ActionDrain)
	default:
		t.Fatal("expected an event to be recorded")
	}
}
