package template

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailforge/dispatchd/internal/types"
	"github.com/mailforge/dispatchd/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRenderSubstitutesKnownPlaceholders(t *testing.T) {
	st := openTestStore(t)
	tpl := types.EmailTemplate{
		ID:              uuid.NewString(),
		Name:            "welcome",
		SubjectTemplate: "Hello {{first_name}}",
		BodyTemplate:    "Welcome, {{first_name}} {{last_name}}!",
		Version:         1,
		IsActive:        true,
	}
	require.NoError(t, st.InsertTemplate(tpl))

	cache := NewCache(st)
	rendered, err := cache.Render(tpl.ID, map[string]string{
		"first_name": "Ada",
		"last_name":  "Lovelace",
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello Ada", rendered.FinalSubject)
	assert.Equal(t, "Welcome, Ada Lovelace!", rendered.FinalBody)
	assert.Equal(t, 3, rendered.PlaceholderCount)
}

func TestRenderPreservesUnresolvedPlaceholders(t *testing.T) {
	st := openTestStore(t)
	tpl := types.EmailTemplate{
		ID:              uuid.NewString(),
		Name:            "partial",
		SubjectTemplate: "Hi {{name}}",
		BodyTemplate:    "Your code: {{otp}}",
		Version:         1,
		IsActive:        true,
	}
	require.NoError(t, st.InsertTemplate(tpl))

	cache := NewCache(st)
	rendered, err := cache.Render(tpl.ID, map[string]string{"name": "Grace"})
	require.NoError(t, err)

	assert.Equal(t, "Hi Grace", rendered.FinalSubject)
	assert.Equal(t, "Your code: {{otp}}", rendered.FinalBody)
	assert.Equal(t, 1, rendered.PlaceholderCount)
}

func TestRenderRejectsInactiveTemplate(t *testing.T) {
	st := openTestStore(t)
	tpl := types.EmailTemplate{
		ID:              uuid.NewString(),
		Name:            "disabled",
		SubjectTemplate: "x",
		BodyTemplate:    "y",
		Version:         1,
		IsActive:        false,
	}
	require.NoError(t, st.InsertTemplate(tpl))

	cache := NewCache(st)
	_, err := cache.Render(tpl.ID, nil)
	assert.ErrorIs(t, err, ErrTemplateInactive)
}

func TestCacheInvalidatesOnVersionBump(t *testing.T) {
	st := openTestStore(t)
	tpl := types.EmailTemplate{
		ID:              uuid.NewString(),
		Name:            "versioned",
		SubjectTemplate: "v1 {{x}}",
		BodyTemplate:    "body",
		Version:         1,
		IsActive:        true,
	}
	require.NoError(t, st.InsertTemplate(tpl))

	cache := NewCache(st)
	first, err := cache.Render(tpl.ID, map[string]string{"x": "a"})
	require.NoError(t, err)
	assert.Equal(t, "v1 a", first.FinalSubject)

	require.NoError(t, st.UpdateTemplate(tpl.ID, func(t *types.EmailTemplate) {
		t.SubjectTemplate = "v2 {{x}}"
	}))

	second, err := cache.Render(tpl.ID, map[string]string{"x": "a"})
	require.NoError(t, err)
	assert.Equal(t, "v2 a", second.FinalSubject)
}

func TestEnsureRequestedSkipsWhenNotRequested(t *testing.T) {
	st := openTestStore(t)
	cache := NewCache(st)
	job := &types.QueueJob{Subject: "literal", Body: "literal body"}
	require.NoError(t, EnsureRequested(cache, job))
	assert.Equal(t, "literal", job.Subject)
}
