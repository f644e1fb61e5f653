package rtdb

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sync"
)

// registry is the explicit, process-wide table of live Database handles,
// keyed by api-key. Spec §9 calls out the teacher's weak-reference
// dedup list as a pattern to re-architect: this is a plain map with
// explicit Open/Close lifecycle instead, so a handle's lifetime is
// never left to garbage-collector timing.
var registry = struct {
	mu      sync.Mutex
	handles map[string]*Database
}{handles: map[string]*Database{}}

// DatabaseOptions configures OpenDatabase.
type DatabaseOptions struct {
	Session     *SessionSettings
	Main        *MainScheduler
	CacheDir    string
	CacheConfig CacheConfig
	// DisableCache skips opening an on-disk cache entirely; subscriptions
	// then only ever see server-delivered values.
	DisableCache bool
}

// Database is the root handle of the library: one session manager, one
// optional cache, decoded from a single api-key (spec §4.7).
type Database struct {
	ApiKey string
	url    string
	token  string
	tokenMu sync.Mutex

	session *SessionManager
	cache   *Cache
}

// OpenDatabase decodes apiKey as base64 into a `ws://`-prefixed host
// URL, and returns the shared handle for that api-key, creating it on
// first call and incrementing nothing else: a second OpenDatabase of
// the same key returns the same *Database (its authToken and options
// are ignored). There is no open count: the first CloseDatabase tears
// the shared handle down for every caller holding it.
func OpenDatabase(apiKey string, authToken string, options *DatabaseOptions) (*Database, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if existing, ok := registry.handles[apiKey]; ok {
		return existing, nil
	}

	hostBytes, err := base64.StdEncoding.DecodeString(apiKey)
	if err != nil {
		return nil, NewInvalidDataError(InvalidDataInvalidIdentifierFormat, fmt.Sprintf("invalid api key: %s", err))
	}
	url := fmt.Sprintf("ws://%s", string(hostBytes))

	if options == nil {
		options = &DatabaseOptions{}
	}

	self := &Database{ApiKey: apiKey, url: url, token: authToken}

	if !options.DisableCache {
		cacheConfig := options.CacheConfig.withDefaults()
		if cacheConfig.Dir == "" {
			dir := options.CacheDir
			if dir == "" {
				dir = "."
			}
			cacheConfig.Dir = filepath.Join(dir, safeApiKeyDirName(apiKey))
		}
		cache, err := OpenCache(cacheConfig)
		if err != nil {
			return nil, err
		}
		self.cache = cache
	}

	self.session = NewSessionManager(url, self.authToken, self.cache, options.Main, options.Session)
	self.session.Start()

	registry.handles[apiKey] = self
	return self, nil
}

// CloseDatabase tears the handle down and removes it from the registry.
// Safe to call more than once.
func CloseDatabase(db *Database) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.handles[db.ApiKey] != db {
		return
	}
	delete(registry.handles, db.ApiKey)
	db.session.Stop()
	if db.cache != nil {
		db.cache.Close()
	}
}

func safeApiKeyDirName(apiKey string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(apiKey))
	if len(encoded) > 32 {
		encoded = encoded[:32]
	}
	return encoded
}

func (self *Database) authToken() string {
	self.tokenMu.Lock()
	defer self.tokenMu.Unlock()
	return self.token
}

// SetAuthToken replaces the bearer token used for future `auth` frames
// and cache obfuscation. It does not itself trigger reauthorization;
// the next reconnect picks it up.
func (self *Database) SetAuthToken(token string) {
	self.tokenMu.Lock()
	defer self.tokenMu.Unlock()
	self.token = token
}

// Collection returns an immutable builder rooted at collectionId.
func (self *Database) Collection(collectionId string) *CollectionRef {
	return &CollectionRef{db: self, collectionId: collectionId}
}

// CollectionRef is an immutable builder accumulating (filter, ordering,
// paging); every builder method (Where, WhereFilter, OrderBy, Skip,
// Take) returns a new value, never mutating self (spec §4.7).
type CollectionRef struct {
	db           *Database
	collectionId string
	filter       Filter
	ordering     Ordering
	paging       *Paging
}

// Where ANDs next onto any existing filter (spec §4.7: "filter
// composition ANDs new filters onto the existing one").
func (self CollectionRef) Where(keyPath string, relation Relation, value any) CollectionRef {
	self.filter = And(self.filter, &SimpleFilter{KeyPath: keyPath, Relation: relation, Value: value})
	return self
}

// WhereFilter ANDs an arbitrary (possibly compound) filter onto the
// existing one.
func (self CollectionRef) WhereFilter(filter Filter) CollectionRef {
	self.filter = And(self.filter, filter)
	return self
}

// OrderBy appends a new ordering term, per the spec §9 redesign
// decision: composition appends rather than replaces.
func (self CollectionRef) OrderBy(keyPath string, direction Direction) CollectionRef {
	self.ordering = self.ordering.Append(OrderTerm{KeyPath: keyPath, Direction: direction})
	return self
}

func (self CollectionRef) Skip(n int) CollectionRef {
	paging := self.pagingOrNew()
	paging.Skip = &n
	self.paging = paging
	return self
}

func (self CollectionRef) Take(n int) CollectionRef {
	paging := self.pagingOrNew()
	paging.Take = &n
	self.paging = paging
	return self
}

func (self CollectionRef) pagingOrNew() *Paging {
	if self.paging == nil {
		return &Paging{}
	}
	copy := *self.paging
	return &copy
}

func (self CollectionRef) query() *Query {
	return &Query{Filter: self.filter, Ordering: self.ordering, Paging: self.paging}
}

// Document returns a reference to one document within this collection.
func (self CollectionRef) Document(documentId string) *DocumentRef {
	return &DocumentRef{collection: self, documentId: documentId}
}

// Subscribe registers callback against this collection's query, creating
// or reusing the server-side subscription, and returns an unsubscribe
// function (spec §4.5).
func (self CollectionRef) Subscribe(callback Listener) func() {
	query := self.query()
	if err := query.validate(); err != nil {
		self.db.session.main.Post(func() {
			safeCallback("subscription listener", func() { callback(SubscriptionDiff{}, err) })
		})
		return func() {}
	}
	return self.db.session.Subscribe(self.collectionId, query, callback, nil)
}

// Fetch performs one-shot retrieval of documents matching this
// collection's current query.
func (self CollectionRef) Fetch(callback func(docs []*Document, err error)) {
	query := self.query()
	if err := query.validate(); err != nil {
		callback(nil, err)
		return
	}
	self.db.session.Fetch(self.collectionId, query, callback)
}

// Count is a convenience wrapper over Fetch.
func (self CollectionRef) Count(callback func(count int, err error)) {
	self.Fetch(func(docs []*Document, err error) {
		if err != nil {
			callback(0, err)
			return
		}
		callback(len(docs), nil)
	})
}

// DocumentRef identifies one document within a CollectionRef.
type DocumentRef struct {
	collection CollectionRef
	documentId string
}

// Mutate creates or replaces the document's body unconditionally
// (no etag precondition).
func (self *DocumentRef) Mutate(value map[string]any, callback func(error)) {
	self.collection.db.session.Mutate(self.collection.collectionId, docRef{Id: self.documentId, Body: value}, callback)
}

// Merge shallow-merges value into the document's existing body.
func (self *DocumentRef) Merge(value map[string]any, callback func(error)) {
	self.collection.db.session.Merge(self.collection.collectionId, docRef{Id: self.documentId, Body: value}, callback)
}

// Delete removes the document unconditionally.
func (self *DocumentRef) Delete(callback func(error)) {
	self.collection.db.session.Delete(self.collection.collectionId, docRef{Id: self.documentId}, callback)
}

// Execute runs the optimistic read-modify-write loop of spec §4.6
// against this document.
func (self *DocumentRef) Execute(block ExecutionBlock, callback func(error)) {
	Execute(self.collection.db.session, self.collection.collectionId, self.documentId, block, callback)
}

// Exists is a convenience wrapper fetching by $id and checking presence.
func (self *DocumentRef) Exists(callback func(exists bool, err error)) {
	query := &Query{Filter: &SimpleFilter{KeyPath: "$id", Relation: RelationEq, Value: self.documentId}}
	self.collection.db.session.Fetch(self.collection.collectionId, query, func(docs []*Document, err error) {
		if err != nil {
			callback(false, err)
			return
		}
		for _, doc := range docs {
			if doc.Id == self.documentId && !doc.IsTombstone() {
				callback(true, nil)
				return
			}
		}
		callback(false, nil)
	})
}
