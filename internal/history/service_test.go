package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raze-trader/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	require.NoError(t, err)
	return svc
}

func TestService_AppendAndList(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.Append(ctx, EventOrderCreated, map[string]string{"id": "a"})
	svc.Append(ctx, EventExecution, map[string]int{"succeeded": 2})
	svc.Append(ctx, EventOrderCreated, map[string]string{"id": "b"})

	all, err := svc.ListEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, EventOrderCreated, all[0].Type, "newest first")

	created, err := svc.ListEvents(ctx, EventOrderCreated, 10)
	require.NoError(t, err)
	require.Len(t, created, 2)

	raw, ok := created[0].Payload.(json.RawMessage)
	require.True(t, ok)
	var body map[string]string
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "b", body["id"])
}

func TestService_RecordError(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordError(ctx, "推送断开", errors.New("eof"), map[string]interface{}{"attempt": 3})

	events, err := svc.ListEvents(ctx, EventError, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0].Payload.(json.RawMessage)), "eof")
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil, nil)
	require.Error(t, err)
}
