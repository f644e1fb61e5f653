package rtdb

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func doc(id string, etag string, body map[string]any) *Document {
	if body == nil {
		body = map[string]any{}
	}
	return &Document{Id: id, CollectionId: "tasks", Etag: etag, Value: body}
}

func tombstone(id string) *Document {
	return &Document{Id: id, CollectionId: "tasks", Value: nil}
}

func TestApplyBatchFirstSnapshotIsAllAdds(t *testing.T) {
	handler := newSubscriptionHandler("h1", "tasks", nil, nil, nil)
	diff := handler.applyBatch(&SubscriptionBatch{
		HasCollection: true,
		Collection:    []*Document{doc("a", "e1", nil), doc("b", "e1", nil)},
	})
	assert.Equal(t, len(diff.Inserted), 2)
	assert.Equal(t, len(diff.Updated), 0)
	assert.Equal(t, len(diff.Removed), 0)
}

func TestApplyBatchSecondSnapshotDiffsAgainstPreviousDataset(t *testing.T) {
	handler := newSubscriptionHandler("h1", "tasks", nil, nil, nil)
	handler.applyBatch(&SubscriptionBatch{HasCollection: true, Collection: []*Document{doc("a", "e1", nil)}})

	diff := handler.applyBatch(&SubscriptionBatch{
		HasCollection: true,
		Collection:    []*Document{doc("a", "e1", nil), doc("b", "e1", nil)},
	})
	assert.Equal(t, len(diff.Inserted), 1)
	assert.Equal(t, diff.Inserted[0].Id, "b")
	assert.Equal(t, len(diff.Updated), 0)
	assert.Equal(t, len(diff.Removed), 0)
}

func TestApplyBatchSnapshotRemovesMissingDocuments(t *testing.T) {
	handler := newSubscriptionHandler("h1", "tasks", nil, nil, nil)
	handler.applyBatch(&SubscriptionBatch{
		HasCollection: true,
		Collection:    []*Document{doc("a", "e1", nil), doc("b", "e1", nil)},
	})

	diff := handler.applyBatch(&SubscriptionBatch{HasCollection: true, Collection: []*Document{doc("a", "e1", nil)}})
	assert.Equal(t, len(diff.Removed), 1)
	assert.Equal(t, diff.Removed[0].Id, "b")
}

func TestApplyBatchUpdateDeltaChangesEtag(t *testing.T) {
	handler := newSubscriptionHandler("h1", "tasks", nil, nil, nil)
	handler.applyBatch(&SubscriptionBatch{HasCollection: true, Collection: []*Document{doc("a", "e1", nil)}})

	diff := handler.applyBatch(&SubscriptionBatch{Updates: []*Document{doc("a", "e2", nil)}})
	assert.Equal(t, len(diff.Updated), 1)
	assert.Equal(t, diff.Updated[0].Etag, "e2")
}

func TestApplyBatchDeleteDeltaRemovesDocument(t *testing.T) {
	handler := newSubscriptionHandler("h1", "tasks", nil, nil, nil)
	handler.applyBatch(&SubscriptionBatch{HasCollection: true, Collection: []*Document{doc("a", "e1", nil)}})

	diff := handler.applyBatch(&SubscriptionBatch{Updates: []*Document{tombstone("a")}})
	assert.Equal(t, len(diff.Removed), 1)
	assert.Equal(t, diff.Removed[0].Id, "a")
}

func TestApplyBatchAddThenRemoveInSameBatchIsInvisible(t *testing.T) {
	handler := newSubscriptionHandler("h1", "tasks", nil, nil, nil)
	handler.applyBatch(&SubscriptionBatch{HasCollection: true, Collection: []*Document{}})

	diff := handler.applyBatch(&SubscriptionBatch{Updates: []*Document{doc("a", "e1", nil), tombstone("a")}})
	assert.Equal(t, diff.isEmpty(), true)
}

func TestReconcileTable(t *testing.T) {
	assert.Equal(t, reconcile(changeAdd, changeUpdate), changeAdd)
	assert.Equal(t, reconcile(changeAdd, changeRemove), changeDrop)
	assert.Equal(t, reconcile(changeUpdate, changeRemove), changeRemove)
	assert.Equal(t, reconcile(changeUpdate, changeUpdate), changeUpdate)
	assert.Equal(t, reconcile(changeRemove, changeAdd), changeUpdate)
	assert.Equal(t, reconcile(changeRemove, changeUpdate), changeUpdate)
	assert.Equal(t, reconcile(changeNone, changeUpdate), changeUpdate)
}

func TestFindInsertIndexOrdersBySortKeysAscending(t *testing.T) {
	ordering := Ordering{{KeyPath: "priority", Direction: Asc}}
	a := &Document{Id: "a", SortKeys: []string{"1"}}
	b := &Document{Id: "b", SortKeys: []string{"3"}}
	c := &Document{Id: "c", SortKeys: []string{"5"}}
	arr := []*Document{a, c}

	idx := findInsertIndex(arr, b, ordering)
	assert.Equal(t, idx, 1)
}

func TestFindInsertIndexHonorsDescendingDirection(t *testing.T) {
	ordering := Ordering{{KeyPath: "priority", Direction: Desc}}
	a := &Document{Id: "a", SortKeys: []string{"5"}}
	b := &Document{Id: "b", SortKeys: []string{"3"}}
	c := &Document{Id: "c", SortKeys: []string{"1"}}
	arr := []*Document{a, c}

	idx := findInsertIndex(arr, b, ordering)
	assert.Equal(t, idx, 1)
}

func TestIncorporateInsertsInOrder(t *testing.T) {
	ordering := Ordering{{KeyPath: "priority", Direction: Asc}}
	arr := []*Document{
		{Id: "a", SortKeys: []string{"1"}},
		{Id: "c", SortKeys: []string{"5"}},
	}
	op, next := incorporate(&Document{Id: "b", Etag: "e1", Value: map[string]any{}, SortKeys: []string{"3"}}, arr, ordering)
	assert.Equal(t, op, changeAdd)
	assert.Equal(t, len(next), 3)
	assert.Equal(t, next[1].Id, "b")
}

func TestIncorporateNoOpOnUnchangedEtag(t *testing.T) {
	arr := []*Document{{Id: "a", Etag: "e1", Value: map[string]any{}}}
	op, next := incorporate(&Document{Id: "a", Etag: "e1", Value: map[string]any{}}, arr, nil)
	assert.Equal(t, op, changeNone)
	assert.Equal(t, len(next), 1)
}

func TestSubscriptionHandlerLateListenerReceivesLastValue(t *testing.T) {
	handler := newSubscriptionHandler("h1", "tasks", nil, nil, nil)
	main := NewInlineMainScheduler()

	delivered := 0
	handler.applyBatchAndDeliverForTest(&SubscriptionBatch{HasCollection: true, Collection: []*Document{doc("a", "e1", nil)}})

	listener := handler.AddListener(func(diff SubscriptionDiff, err error) { delivered += 1 }, main)
	assert.NotEqual(t, listener, nil)
	assert.Equal(t, delivered, 1)
	assert.Equal(t, handler.ListenerCount(), 1)

	isLast := handler.RemoveListener(listener)
	assert.Equal(t, isLast, true)
}

// applyBatchAndDeliverForTest exercises the real ReceiveBatch path
// without requiring a cache.
func (self *SubscriptionHandler) applyBatchAndDeliverForTest(batch *SubscriptionBatch) {
	self.ReceiveBatch(batch)
}
