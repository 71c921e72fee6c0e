package chat

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptAppendOrder(t *testing.T) {
	tr := NewTranscript()

	first, err := tr.Append(NewUserMessage("swap 10 CRO to USDC"))
	require.NoError(t, err)
	second, err := tr.Append(NewAssistantMessage("Here is your quote."))
	require.NoError(t, err)

	msgs := tr.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, second.ID, msgs[1].ID)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
}

func TestTranscriptFillsIDAndTimestamp(t *testing.T) {
	tr := NewTranscript()

	stored, err := tr.Append(Message{Role: RoleUser, Content: "hi"})
	require.NoError(t, err)

	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.Timestamp.IsZero())
}

func TestTranscriptRejectsUnknownRole(t *testing.T) {
	tr := NewTranscript()

	_, err := tr.Append(Message{Role: Role("system"), Content: "nope"})
	assert.Error(t, err)
	assert.Equal(t, 0, tr.Len())
}

func TestTranscriptMessagesReturnsCopy(t *testing.T) {
	tr := NewTranscript()
	_, err := tr.Append(NewUserMessage("original"))
	require.NoError(t, err)

	msgs := tr.Messages()
	msgs[0].Content = "mutated"

	fresh := tr.Messages()
	assert.Equal(t, "original", fresh[0].Content)
}

func TestTranscriptConcurrentAppend(t *testing.T) {
	tr := NewTranscript()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.Append(NewUserMessage("msg"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, tr.Len())
}

func TestSessionStoreGetOrCreate(t *testing.T) {
	store := NewSessionStore()

	created := store.GetOrCreate("")
	require.NotNil(t, created)
	assert.NotEmpty(t, created.SessionID())

	same := store.GetOrCreate(created.SessionID())
	assert.Same(t, created, same)

	named := store.GetOrCreate("session-abc")
	assert.Equal(t, "session-abc", named.SessionID())
	assert.Equal(t, 2, store.Count())
}

func TestMessageULIDsSortByCreation(t *testing.T) {
	a := NewUserMessage("a")
	b := NewUserMessage("b")

	// ULIDs are lexicographically ordered by creation time.
	assert.LessOrEqual(t, a.ID, b.ID)
}
