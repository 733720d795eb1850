package telegram

import (
	"fmt"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyterm/polyterm/plugin/chat/channels"
)

type editRecorder struct {
	mu      sync.Mutex
	edits   []string
	err     error
	deleted bool
}

func (r *editRecorder) edit(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.edits = append(r.edits, text)
	return nil
}

func (r *editRecorder) remove() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = true
	return nil
}

func (r *editRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.edits))
	copy(out, r.edits)
	return out
}

func newTestDraft(r *editRecorder, interval time.Duration) *DraftStream {
	d := newDraftStream(r.edit, r.remove)
	d.interval = interval
	return d
}

func TestDraftCoalescesBurstIntoTrailingEdit(t *testing.T) {
	r := &editRecorder{}
	d := newTestDraft(r, 60*time.Millisecond)

	d.Append("Hel")
	// Burst within the pacing window.
	d.Append("lo")
	d.Append(" wor")
	d.Append("ld")

	time.Sleep(150 * time.Millisecond)
	edits := r.all()
	require.Len(t, edits, 2, "burst collapses into one trailing edit")
	assert.Equal(t, "Hel"+draftCursor, edits[0])
	assert.Equal(t, "Hello world"+draftCursor, edits[1])
}

func TestDraftFinishDropsCursor(t *testing.T) {
	r := &editRecorder{}
	d := newTestDraft(r, 10*time.Millisecond)

	d.Append("partial answer")
	require.NoError(t, d.Finish(""))

	edits := r.all()
	require.NotEmpty(t, edits)
	assert.Equal(t, "partial answer", edits[len(edits)-1],
		"empty finish flushes accumulated text without the cursor")

	// Finishing twice is a no-op.
	require.NoError(t, d.Finish("ignored"))
	assert.Equal(t, edits, r.all())
}

func TestDraftFinishWithFinalText(t *testing.T) {
	r := &editRecorder{}
	d := newTestDraft(r, 10*time.Millisecond)

	d.Append("draft…")
	require.NoError(t, d.Finish("final polished answer"))
	edits := r.all()
	assert.Equal(t, "final polished answer", edits[len(edits)-1])
}

func TestDraftBenignEditIsSuccess(t *testing.T) {
	r := &editRecorder{err: channels.Benign(fmt.Errorf("message is not modified"))}
	d := newTestDraft(r, 10*time.Millisecond)

	d.Append("same text")
	assert.NoError(t, d.Finish("same text"))
}

func TestDraftFinishWaitsOutRateLimit(t *testing.T) {
	r := &editRecorder{}
	failures := []error{
		channels.RateLimited(3*time.Second, fmt.Errorf("too many requests")),
		channels.RateLimited(0, fmt.Errorf("too many requests")),
	}
	d := newDraftStream(func(text string) error {
		if len(failures) > 0 {
			err := failures[0]
			failures = failures[1:]
			return err
		}
		return r.edit(text)
	}, r.remove)
	var slept []time.Duration
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }
	d.text = "the complete answer"

	require.NoError(t, d.Finish(""))
	edits := r.all()
	require.NotEmpty(t, edits, "final text survives the rate limit")
	assert.Equal(t, "the complete answer", edits[len(edits)-1])
	// The server hint wins when above the floor; otherwise the floor does.
	require.Len(t, slept, 2)
	assert.Equal(t, 3*time.Second, slept[0])
	assert.Equal(t, time.Second, slept[1])
}

func TestDraftFinishGivesUpAfterBudget(t *testing.T) {
	d := newDraftStream(func(string) error {
		return channels.RateLimited(0, fmt.Errorf("too many requests"))
	}, nil)
	d.sleep = func(time.Duration) {}
	d.text = "never lands"

	assert.Error(t, d.Finish(""))
}

func TestDraftCancelDeletesPlaceholder(t *testing.T) {
	r := &editRecorder{}
	d := newTestDraft(r, 10*time.Millisecond)

	d.Append("never mind")
	d.Cancel()
	assert.True(t, r.deleted)

	// Post-cancel appends are dropped.
	d.Append("zombie")
	require.NoError(t, d.Finish(""))
	for _, e := range r.all() {
		assert.NotContains(t, e, "zombie")
	}
}

func TestClassifyError(t *testing.T) {
	rateErr := &tgbotapi.Error{
		Code:    429,
		Message: "Too Many Requests: retry after 7",
		ResponseParameters: tgbotapi.ResponseParameters{
			RetryAfter: 7,
		},
	}
	classified := classifyError(rateErr)
	assert.Equal(t, channels.KindRateLimited, channels.Classify(classified))
	assert.Equal(t, 7*time.Second, channels.RetryAfter(classified))

	benign := classifyError(&tgbotapi.Error{Code: 400, Message: "Bad Request: message is not modified"})
	assert.Equal(t, channels.KindContentBenign, channels.Classify(benign))

	fatal := classifyError(&tgbotapi.Error{Code: 401, Message: "Unauthorized"})
	assert.Equal(t, channels.KindFatal, channels.Classify(fatal))

	bad := classifyError(&tgbotapi.Error{Code: 400, Message: "Bad Request: can't parse entities"})
	assert.Equal(t, channels.KindValidation, channels.Classify(bad))

	plain := classifyError(fmt.Errorf("connection reset"))
	assert.Equal(t, channels.KindTransient, channels.Classify(plain))

	assert.NoError(t, classifyError(nil))
}
