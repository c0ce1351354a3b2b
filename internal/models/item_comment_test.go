package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommentAttachmentsValue(t *testing.T) {
	t.Run("nil encodes as empty array", func(t *testing.T) {
		var atts CommentAttachments
		v, err := atts.Value()
		require.NoError(t, err)
		assert.Equal(t, "[]", v)
	})

	t.Run("keeps order", func(t *testing.T) {
		atts := CommentAttachments{
			{Name: "b.pdf", URL: "/uploads/doc-collection-comments/b.pdf"},
			{Name: "a.pdf", URL: "/uploads/doc-collection-comments/a.pdf"},
		}
		v, err := atts.Value()
		require.NoError(t, err)
		assert.Equal(t, `[{"name":"b.pdf","url":"/uploads/doc-collection-comments/b.pdf"},{"name":"a.pdf","url":"/uploads/doc-collection-comments/a.pdf"}]`, v)
	})
}

func TestCommentAttachmentsScan(t *testing.T) {
	var atts CommentAttachments
	require.NoError(t, atts.Scan([]byte(`[{"name":"x.png","url":"/u/x.png"}]`)))
	require.Len(t, atts, 1)
	assert.Equal(t, []string{"x.png"}, atts.Names())

	require.NoError(t, atts.Scan(nil))
	assert.Empty(t, atts)

	require.NoError(t, atts.Scan(""))
	assert.Empty(t, atts)

	assert.Error(t, atts.Scan(42))
	assert.Error(t, atts.Scan("{not json"))
}

func TestCellKeyValid(t *testing.T) {
	assert.True(t, CellKey{ProjectID: "p1", DocumentID: "d1", Year: 2025, Month: 3}.Valid())
	assert.False(t, CellKey{ProjectID: "p1", DocumentID: "d1", Year: 2025, Month: 13}.Valid())
	assert.False(t, CellKey{ProjectID: "p1", Year: 2025, Month: 1}.Valid())
	assert.False(t, CellKey{DocumentID: "d1", Year: 2025, Month: 1}.Valid())
}

func TestDeliveryStatusIsFailure(t *testing.T) {
	assert.True(t, DeliveryBounced.IsFailure())
	assert.True(t, DeliveryFailed.IsFailure())
	assert.False(t, DeliveryDelivered.IsFailure())
	assert.False(t, DeliverySent.IsFailure())
}
