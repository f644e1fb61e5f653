package rtdb

import (
	"strings"
)

// SubscriptionState is the subscription handler state machine (spec
// §4.5): unsubscribed -> registering -> subscribed -> unsubscribing ->
// unsubscribed.
type SubscriptionState int

const (
	SubscriptionUnsubscribed SubscriptionState = iota
	SubscriptionRegistering
	SubscriptionSubscribed
	SubscriptionUnsubscribing
)

// SubscriptionBatch is either a full collection snapshot, a sequence of
// per-document deltas, or both (spec §4.5). The codec merges consecutive
// wire frames for the same subscription into one of these before the
// session manager ever sees them.
type SubscriptionBatch struct {
	SubId         Id
	ColId         string
	HasCollection bool
	Collection    []*Document
	Updates       []*Document
	EventIds      []Id
}

// merge folds next into self per the §4.1 rule: a new collection
// snapshot supersedes the buffered state; otherwise updates append in
// order; event-ids always accumulate for bulk acknowledgement.
func (self *SubscriptionBatch) merge(next SubscriptionBatch) {
	if next.HasCollection {
		self.HasCollection = true
		self.Collection = next.Collection
		self.Updates = append([]*Document{}, next.Updates...)
	} else {
		self.Updates = append(self.Updates, next.Updates...)
	}
	self.EventIds = append(self.EventIds, next.EventIds...)
}

// ChangeOp classifies one document's fate in a delivered diff.
type ChangeOp int

const (
	changeNone ChangeOp = iota
	changeAdd
	changeUpdate
	changeRemove
	changeDrop // internal only: never reported to a listener
)

// reconcile implements the table in spec §4.5 step 4: when a document
// already has a pending classification within the same batch and a new
// delta reclassifies it, this decides the combined op. changeDrop means
// the entry vanishes entirely (an add immediately undone by a remove
// within the same batch was never visible to a listener).
func reconcile(prev ChangeOp, next ChangeOp) ChangeOp {
	switch prev {
	case changeAdd:
		switch next {
		case changeRemove:
			return changeDrop
		default:
			return changeAdd
		}
	case changeUpdate:
		switch next {
		case changeRemove:
			return changeRemove
		default:
			return changeUpdate
		}
	case changeRemove:
		switch next {
		case changeAdd, changeUpdate:
			return changeUpdate
		default:
			return changeRemove
		}
	default:
		return next
	}
}

// SubscriptionDiff is the (documents, inserted, updated, removed) tuple
// delivered to every listener of a subscription handler.
type SubscriptionDiff struct {
	Documents []*Document
	Inserted  []*Document
	Updated   []*Document
	Removed   []*Document
}

func (self *SubscriptionDiff) isEmpty() bool {
	return len(self.Inserted) == 0 && len(self.Updated) == 0 && len(self.Removed) == 0
}

// Listener is the callback shape subscription handlers fan out to.
type Listener func(diff SubscriptionDiff, err error)

type subscriptionListener struct {
	callback Listener
	main     *MainScheduler
}

// SubscriptionHandler represents one server-side subscription. Multiple
// logical subscriptions that hash to the same query attach as
// additional listeners on a single handler (spec §4.5 "hash
// conflicts").
type SubscriptionHandler struct {
	Hash         string
	CollectionId string
	Query        *Query
	SubId        Id
	State        SubscriptionState

	listeners CallbackList[*subscriptionListener]
	documents []*Document
	delivered bool
	lastDiff  SubscriptionDiff

	cache     *Cache
	authToken func() string
}

func newSubscriptionHandler(hash string, collectionId string, query *Query, cache *Cache, authToken func() string) *SubscriptionHandler {
	return &SubscriptionHandler{
		Hash:         hash,
		CollectionId: collectionId,
		Query:        query,
		State:        SubscriptionUnsubscribed,
		cache:        cache,
		authToken:    authToken,
	}
}

// AddListener attaches a new listener. If a value has already been
// delivered (from cache or from the server) the listener receives it
// immediately on its main scheduler, matching spec §4.5's dedup
// behavior: "additional listeners attach to the existing handler and
// receive the last known value immediately."
func (self *SubscriptionHandler) AddListener(callback Listener, main *MainScheduler) *subscriptionListener {
	listener := &subscriptionListener{callback: callback, main: main}
	self.listeners.Add(listener)
	if self.delivered {
		diff := self.lastDiff
		diff.Inserted = nil
		diff.Updated = nil
		diff.Removed = nil
		main.Post(func() {
			safeCallback("subscription listener", func() { callback(diff, nil) })
		})
	}
	return listener
}

// RemoveListener detaches a listener and reports whether it was the
// last one (the caller should then tear the handler down).
func (self *SubscriptionHandler) RemoveListener(listener *subscriptionListener) (isLast bool) {
	self.listeners.Remove(listener)
	return self.listeners.Len() == 0
}

func (self *SubscriptionHandler) ListenerCount() int {
	return self.listeners.Len()
}

// LastDiff reports the (inserted, updated, removed) triple most
// recently fanned out to listeners, for test and debug introspection.
func (self *SubscriptionHandler) LastDiff() SubscriptionDiff {
	return self.lastDiff
}

// ReceiveBatch applies a merged batch to the handler's dataset and, if
// the result is non-trivial (or this is the first delivery), fans the
// diff out to every listener and stores the new dataset to cache.
func (self *SubscriptionHandler) ReceiveBatch(batch *SubscriptionBatch) {
	diff := self.applyBatch(batch)
	self.deliver(diff, nil)
}

// ReceiveCachedSnapshot synthesizes a snapshot batch from a
// cache-loaded dataset. It is only applied if no server value has
// arrived yet (self.delivered is false).
func (self *SubscriptionHandler) ReceiveCachedSnapshot(documents []*Document) {
	if self.delivered {
		return
	}
	diff := self.applyBatch(&SubscriptionBatch{HasCollection: true, Collection: documents})
	self.deliver(diff, nil)
}

// ReceiveError fans a terminal error out to every listener; the caller
// (session manager) is responsible for removing the handler afterward.
func (self *SubscriptionHandler) ReceiveError(err error) {
	self.deliver(SubscriptionDiff{}, err)
}

func (self *SubscriptionHandler) deliver(diff SubscriptionDiff, err error) {
	if err == nil {
		if !diff.isEmpty() || !self.delivered {
			self.delivered = true
			self.lastDiff = diff
			if self.cache != nil {
				secret := ""
				if self.authToken != nil {
					secret = self.authToken()
				}
				self.cache.WriteDataset(self.Hash, diff.Documents, secret, func(error) {})
			}
		} else {
			return
		}
	}
	for _, listener := range self.listeners.Get() {
		listener := listener
		listener.main.Post(func() {
			safeCallback("subscription listener", func() { listener.callback(diff, err) })
		})
	}
}

// applyBatch runs the diff algorithm of spec §4.5 steps 1-5.
func (self *SubscriptionHandler) applyBatch(batch *SubscriptionBatch) SubscriptionDiff {
	old := self.documents

	oldIndex := map[string]*Document{}
	for _, doc := range old {
		oldIndex[doc.Id] = doc
	}

	changes := map[string]ChangeOp{}
	removedDocs := map[string]*Document{}
	order := []string{}

	record := func(id string, op ChangeOp) {
		if _, exists := changes[id]; !exists {
			order = append(order, id)
		}
		changes[id] = op
	}

	var documents []*Document

	if batch.HasCollection {
		snapshot := filterTombstones(batch.Collection)
		if old != nil {
			for _, doc := range old {
				record(doc.Id, changeRemove)
				removedDocs[doc.Id] = doc
			}
			for _, doc := range snapshot {
				op := classifyAgainstSnapshot(doc, oldIndex)
				record(doc.Id, op)
				delete(removedDocs, doc.Id)
			}
			documents = snapshot
		} else {
			documents = snapshot
			for _, doc := range snapshot {
				record(doc.Id, changeAdd)
			}
		}
	} else {
		documents = cloneDocuments(old)
	}

	for _, delta := range batch.Updates {
		prevOp, hadPrev := changes[delta.Id]
		var newOp ChangeOp
		newOp, documents = incorporate(delta, documents, self.orderingOrDefault())

		var resultOp ChangeOp
		if hadPrev {
			resultOp = reconcile(prevOp, newOp)
		} else {
			resultOp = newOp
		}

		if delta.IsTombstone() {
			if existing, ok := oldIndex[delta.Id]; ok {
				removedDocs[delta.Id] = existing
			}
		}

		if resultOp == changeDrop {
			delete(changes, delta.Id)
		} else if resultOp != changeNone {
			record(delta.Id, resultOp)
		} else {
			delete(changes, delta.Id)
		}
	}

	if self.Query != nil && self.Query.Paging != nil && self.Query.Paging.Take != nil {
		take := *self.Query.Paging.Take
		if take < len(documents) {
			tail := documents[take:]
			documents = documents[:take]
			for _, doc := range tail {
				prevOp, hadPrev := changes[doc.Id]
				var resultOp ChangeOp
				if hadPrev {
					resultOp = reconcile(prevOp, changeRemove)
				} else {
					resultOp = changeRemove
				}
				if resultOp == changeDrop {
					delete(changes, doc.Id)
				} else {
					record(doc.Id, resultOp)
					if _, ok := removedDocs[doc.Id]; !ok {
						removedDocs[doc.Id] = doc
					}
				}
			}
		}
	}

	byId := map[string]*Document{}
	for _, doc := range documents {
		byId[doc.Id] = doc
	}

	diff := SubscriptionDiff{Documents: documents}
	for _, id := range order {
		op, ok := changes[id]
		if !ok {
			continue
		}
		switch op {
		case changeAdd:
			if doc, ok := byId[id]; ok {
				diff.Inserted = append(diff.Inserted, doc)
			}
		case changeUpdate:
			if doc, ok := byId[id]; ok {
				diff.Updated = append(diff.Updated, doc)
			}
		case changeRemove:
			if doc, ok := removedDocs[id]; ok {
				diff.Removed = append(diff.Removed, doc)
			}
		}
	}

	self.documents = documents
	return diff
}

func (self *SubscriptionHandler) orderingOrDefault() Ordering {
	if self.Query == nil {
		return nil
	}
	return self.Query.Ordering
}

func filterTombstones(docs []*Document) []*Document {
	filtered := make([]*Document, 0, len(docs))
	for _, doc := range docs {
		if !doc.IsTombstone() {
			filtered = append(filtered, doc)
		}
	}
	return filtered
}

func cloneDocuments(docs []*Document) []*Document {
	clone := make([]*Document, len(docs))
	copy(clone, docs)
	return clone
}

// classifyAgainstSnapshot classifies a document that is present in a
// new full snapshot against the previously-delivered dataset, without
// touching any ordering (the server snapshot is already ordered).
func classifyAgainstSnapshot(doc *Document, oldIndex map[string]*Document) ChangeOp {
	existing, ok := oldIndex[doc.Id]
	if !ok {
		return changeAdd
	}
	if existing.Etag == doc.Etag {
		return changeNone
	}
	return changeUpdate
}

// incorporate implements spec §4.5's `incorporate(doc, arr, mutate)`.
// It always returns the new array (a no-op when the document produces
// no change).
func incorporate(doc *Document, arr []*Document, ordering Ordering) (ChangeOp, []*Document) {
	index := indexOfDocument(arr, doc.Id)

	if index >= 0 && !doc.IsTombstone() && arr[index].Etag == doc.Etag {
		return changeNone, arr
	}

	if doc.IsTombstone() {
		if index < 0 {
			return changeNone, arr
		}
		next := make([]*Document, 0, len(arr)-1)
		next = append(next, arr[:index]...)
		next = append(next, arr[index+1:]...)
		return changeRemove, next
	}

	working := arr
	op := changeAdd
	if index >= 0 {
		working = make([]*Document, 0, len(arr)-1)
		working = append(working, arr[:index]...)
		working = append(working, arr[index+1:]...)
		op = changeUpdate
	}

	insertAt := findInsertIndex(working, doc, ordering)
	next := make([]*Document, 0, len(working)+1)
	next = append(next, working[:insertAt]...)
	next = append(next, doc)
	next = append(next, working[insertAt:]...)
	return op, next
}

func indexOfDocument(arr []*Document, id string) int {
	for i, doc := range arr {
		if doc.Id == id {
			return i
		}
	}
	return -1
}

// findInsertIndex performs the recursive binary partition of spec
// §4.5: compare sortKeys lexicographically per-ordering-direction, then
// fall back to sortValue under the first ordering direction (ascending
// default).
func findInsertIndex(arr []*Document, doc *Document, ordering Ordering) int {
	lo, hi := 0, len(arr)
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := compareDocs(doc, arr[mid], ordering)
		if cmp < 0 {
			hi = mid
		} else if cmp > 0 {
			lo = mid + 1
		} else {
			return mid
		}
	}
	return lo
}

func compareDocs(a *Document, b *Document, ordering Ordering) int {
	for i, term := range ordering {
		if i >= len(a.SortKeys) || i >= len(b.SortKeys) {
			break
		}
		if a.SortKeys[i] == b.SortKeys[i] {
			continue
		}
		cmp := strings.Compare(a.SortKeys[i], b.SortKeys[i])
		if term.Direction == Desc {
			cmp = -cmp
		}
		return cmp
	}
	if a.SortValue != b.SortValue {
		cmp := strings.Compare(a.SortValue, b.SortValue)
		direction := Asc
		if len(ordering) > 0 {
			direction = ordering[0].Direction
		}
		if direction == Desc {
			cmp = -cmp
		}
		return cmp
	}
	return 0
}
