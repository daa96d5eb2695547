package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailforge/dispatchd/internal/types"
)

func TestInsertTemplateRejectsDuplicateActiveName(t *testing.T) {
	st := openTestStore(t)
	tpl := types.EmailTemplate{ID: uuid.NewString(), Name: "welcome", IsActive: true}
	require.NoError(t, st.InsertTemplate(tpl))

	dup := types.EmailTemplate{ID: uuid.NewString(), Name: "welcome", IsActive: true}
	err := st.InsertTemplate(dup)
	assert.ErrorIs(t, err, ErrTemplateNameTaken)
}

func TestInsertTemplateAllowsDuplicateNameWhenInactive(t *testing.T) {
	st := openTestStore(t)
	tpl := types.EmailTemplate{ID: uuid.NewString(), Name: "draft", IsActive: false}
	require.NoError(t, st.InsertTemplate(tpl))

	dup := types.EmailTemplate{ID: uuid.NewString(), Name: "draft", IsActive: false}
	assert.NoError(t, st.InsertTemplate(dup))
}

func TestUpdateTemplateBumpsVersion(t *testing.T) {
	st := openTestStore(t)
	tpl := types.EmailTemplate{ID: uuid.NewString(), Name: "invoice", SubjectTemplate: "old", Version: 1}
	require.NoError(t, st.InsertTemplate(tpl))

	err := st.UpdateTemplate(tpl.ID, func(t *types.EmailTemplate) {
		t.SubjectTemplate = "new"
	})
	require.NoError(t, err)

	stored, err := st.GetTemplate(tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", stored.SubjectTemplate)
	assert.Equal(t, 2, stored.Version)
}

func TestUpdateTemplateNotFound(t *testing.T) {
	st := openTestStore(t)
	err := st.UpdateTemplate("missing", func(t *types.EmailTemplate) {})
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestDeleteTemplateBlocksSystemTemplates(t *testing.T) {
	st := openTestStore(t)
	tpl := types.EmailTemplate{ID: uuid.NewString(), Name: "password_reset", IsSystem: true}
	require.NoError(t, st.InsertTemplate(tpl))

	err := st.DeleteTemplate(tpl.ID)
	assert.ErrorIs(t, err, ErrTemplateIsSystem)
}

func TestDeleteTemplateRemovesNameIndex(t *testing.T) {
	st := openTestStore(t)
	tpl := types.EmailTemplate{ID: uuid.NewString(), Name: "newsletter", IsActive: true}
	require.NoError(t, st.InsertTemplate(tpl))
	require.NoError(t, st.DeleteTemplate(tpl.ID))

	_, err := st.GetTemplate(tpl.ID)
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	// name should be free again
	reuse := types.EmailTemplate{ID: uuid.NewString(), Name: "newsletter", IsActive: true}
	assert.NoError(t, st.InsertTemplate(reuse))
}

func TestListTemplatesReturnsAll(t *testing.T) {
	st := openTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.InsertTemplate(types.EmailTemplate{ID: uuid.NewString(), Name: uuid.NewString()}))
	}
	out, err := st.ListTemplates()
	require.NoError(t, err)
	assert.Len(t, out, 3)
}
