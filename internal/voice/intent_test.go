package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	p := DefaultPhrases()
	tests := []struct {
		transcript string
		want       Intent
	}{
		{"Taken", IntentTaken},
		{"yes, I took it.", IntentTaken},
		{"  I have TAKEN my medicine ", IntentTaken},
		{"remind me later", IntentSnooze},
		{"Not now!", IntentSnooze},
		{"I haven't taken it", IntentSnooze},
		{"not taken yet", IntentSnooze},
		{"not done", IntentSnooze},
		{"No.", IntentSnooze},
		{"nope", IntentSnooze},
		{"I didn't take it", IntentSnooze},
		{"I did not", IntentSnooze},
		{"yeah done", IntentTaken},
		{"I did", IntentTaken},
		{"what's the weather", IntentUnknown},
		{"yesterday", IntentUnknown},
		{"", IntentUnknown},
		{"...", IntentUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.transcript, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.transcript, p))
		})
	}
}

func TestClassifyCustomPhrases(t *testing.T) {
	p := Phrases{Taken: []string{"ho gaya"}, Snooze: []string{"baad mein"}}
	assert.Equal(t, IntentTaken, Classify("Ho gaya", p))
	assert.Equal(t, IntentSnooze, Classify("baad mein", p))
	assert.Equal(t, IntentUnknown, Classify("taken", p))
	assert.Equal(t, IntentSnooze, Classify("not ho gaya", p), "a negated taken phrase defers")
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrPermissionDenied))
	assert.True(t, IsFatal(ErrUnsupported))
	assert.True(t, IsFatal(ErrUnavailable))
	assert.False(t, IsFatal(recognitionError("no-speech")))
	assert.False(t, IsFatal(recognitionError("network")))
	assert.ErrorIs(t, recognitionError("not-allowed"), ErrPermissionDenied)
}
