package rtdb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
)

// CacheRef is one [groupId, objectId] entry of a link table, matching
// the on-disk shape described in spec §4.2. In this domain groupId is a
// collection id and objectId is a document id, so documents can be
// shared (refcounted) across multiple cached subscription datasets.
type CacheRef struct {
	GroupId  string
	ObjectId string
}

// CacheConfig controls the pruning policy and on-disk location.
type CacheConfig struct {
	// Dir is the per-api-key directory under the platform cache root
	// (spec §4.2).
	Dir string
	// MaxSize bounds on-disk size; 0 uses the 100 MiB default.
	MaxSize int64
	// TTL expires entries older than this; 0 means no TTL.
	TTL time.Duration
}

const DefaultCacheMaxSize = 100 * 1024 * 1024

func (self CacheConfig) withDefaults() CacheConfig {
	if self.MaxSize == 0 {
		self.MaxSize = DefaultCacheMaxSize
	}
	return self
}

// Cache is a reference-counted object store persisted to disk as the
// four files described in spec §4.2:
//   00.dat            cache-info:    hash(key) -> full key -> mtime
//   01.dat            refcount-info: hash(groupId,unique) -> "g/o" -> count
//   00<hash>.dat       per-bucket link table: full key -> []CacheRef
//   01<hash>.dat       per-group object table: objectId -> bytes
//
// All operations are serialized on one dedicated scheduler (spec §4.2
// "Concurrency"); callers never touch the maps directly.
type Cache struct {
	config    CacheConfig
	scheduler *Scheduler

	cacheInfo    map[string]map[string]int64       // bucket -> key -> unix millis
	refcountInfo map[string]map[string]int          // groupHash -> "g/o" -> count
	linkTables   map[string]map[string][]CacheRef   // bucket -> key -> refs
	objectTables map[string]map[string][]byte       // groupHash -> objectId -> bytes
	bytesByGroup map[string]int64                   // groupHash -> total bytes, for size accounting
}

// OpenCache opens (creating if absent) the cache directory, loads
// whatever is on disk, and runs pruning once, per spec §4.2.
func OpenCache(config CacheConfig) (*Cache, error) {
	config = config.withDefaults()
	if err := os.MkdirAll(config.Dir, 0700); err != nil {
		return nil, err
	}
	self := &Cache{
		config:       config,
		scheduler:    NewScheduler(64),
		cacheInfo:    map[string]map[string]int64{},
		refcountInfo: map[string]map[string]int{},
		linkTables:   map[string]map[string][]CacheRef{},
		objectTables: map[string]map[string][]byte{},
		bytesByGroup: map[string]int64{},
	}
	if err := self.load(); err != nil {
		return nil, err
	}
	self.prune()
	return self, nil
}

func (self *Cache) Close() {
	self.scheduler.Close()
}

// WriteDataset stores the ordered list of documents under key, per the
// write algorithm in spec §4.2. secret, if non-empty, obfuscates every
// object with a per-byte XOR (spec §4.2/§9: obfuscation, not
// encryption).
func (self *Cache) WriteDataset(key string, documents []*Document, secret string, callback func(error)) {
	self.scheduler.Post(func() {
		err := self.writeDatasetSync(key, documents, secret)
		if callback != nil {
			callback(err)
		}
	})
}

func (self *Cache) writeDatasetSync(key string, documents []*Document, secret string) error {
	bucket := hashKey(key)
	if self.linkTables[bucket] == nil {
		self.linkTables[bucket] = map[string][]CacheRef{}
	}
	prev := append([]CacheRef{}, self.linkTables[bucket][key]...)

	newRefs := make([]CacheRef, len(documents))
	touchedGroups := map[string]bool{}
	for i, doc := range documents {
		ref := CacheRef{GroupId: doc.CollectionId, ObjectId: doc.Id}
		newRefs[i] = ref
		touchedGroups[ref.GroupId] = true

		found := -1
		for idx, p := range prev {
			if p == ref {
				found = idx
				break
			}
		}
		if found >= 0 {
			prev = append(prev[:found], prev[found+1:]...)
		} else {
			self.incrementRefcount(ref)
		}
	}

	toRemove := []CacheRef{}
	for _, ref := range prev {
		count := self.decrementRefcount(ref)
		if count < 1 {
			toRemove = append(toRemove, ref)
			touchedGroups[ref.GroupId] = true
		}
	}

	for i, doc := range documents {
		raw, err := json.Marshal(doc)
		if err != nil {
			return NewInvalidDataError(InvalidDataSerializationFailure, err.Error())
		}
		if secret != "" {
			raw = xorBytes(raw, secret)
		}
		self.putObject(newRefs[i].GroupId, newRefs[i].ObjectId, raw)
	}

	for _, ref := range toRemove {
		self.deleteObject(ref.GroupId, ref.ObjectId)
	}

	self.linkTables[bucket][key] = newRefs
	if self.cacheInfo[bucket] == nil {
		self.cacheInfo[bucket] = map[string]int64{}
	}
	self.cacheInfo[bucket][key] = time.Now().UnixMilli()

	for groupId := range touchedGroups {
		if err := self.persistObjectTable(groupId); err != nil {
			return err
		}
	}
	if err := self.persistRefcountInfo(); err != nil {
		return err
	}
	if err := self.persistCacheInfo(); err != nil {
		return err
	}
	return self.persistLinkTable(bucket)
}

// ReadDataset loads the last-written dataset for key, if present.
// Entries whose object bytes are missing (already pruned from their
// group) are silently skipped, per spec §4.2.
func (self *Cache) ReadDataset(key string, secret string, callback func([]*Document, bool)) {
	self.scheduler.Post(func() {
		docs, ok := self.readDatasetSync(key, secret)
		if callback != nil {
			callback(docs, ok)
		}
	})
}

func (self *Cache) readDatasetSync(key string, secret string) ([]*Document, bool) {
	bucket := hashKey(key)
	if _, ok := self.cacheInfo[bucket][key]; !ok {
		return nil, false
	}
	refs := self.linkTables[bucket][key]
	documents := make([]*Document, 0, len(refs))
	for _, ref := range refs {
		raw, ok := self.getObject(ref.GroupId, ref.ObjectId)
		if !ok {
			continue
		}
		if secret != "" {
			raw = xorBytes(raw, secret)
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		documents = append(documents, &doc)
	}
	return documents, true
}

// Clear wipes every dataset, dropping every refcount to zero and every
// object, then persists the empty state.
func (self *Cache) Clear(callback func(error)) {
	self.scheduler.Post(func() {
		self.cacheInfo = map[string]map[string]int64{}
		self.refcountInfo = map[string]map[string]int{}
		self.linkTables = map[string]map[string][]CacheRef{}
		self.objectTables = map[string]map[string][]byte{}
		self.bytesByGroup = map[string]int64{}
		err := self.persistAll()
		if callback != nil {
			callback(err)
		}
	})
}

func (self *Cache) incrementRefcount(ref CacheRef) {
	groupHash := hashKeyUnique(ref.GroupId)
	if self.refcountInfo[groupHash] == nil {
		self.refcountInfo[groupHash] = map[string]int{}
	}
	self.refcountInfo[groupHash][refcountKey(ref)] += 1
}

// decrementRefcount returns the post-decrement count. Refcounts never
// go negative (spec §3 invariant).
func (self *Cache) decrementRefcount(ref CacheRef) int {
	groupHash := hashKeyUnique(ref.GroupId)
	bucket := self.refcountInfo[groupHash]
	if bucket == nil {
		return 0
	}
	count := bucket[refcountKey(ref)] - 1
	if count <= 0 {
		delete(bucket, refcountKey(ref))
		return 0
	}
	bucket[refcountKey(ref)] = count
	return count
}

func refcountKey(ref CacheRef) string {
	return ref.GroupId + "/" + ref.ObjectId
}

func (self *Cache) putObject(groupId string, objectId string, raw []byte) {
	groupHash := hashKeyUnique(groupId)
	if self.objectTables[groupHash] == nil {
		self.objectTables[groupHash] = map[string][]byte{}
	}
	if existing, ok := self.objectTables[groupHash][objectId]; ok {
		self.bytesByGroup[groupHash] -= int64(len(existing))
	}
	self.objectTables[groupHash][objectId] = raw
	self.bytesByGroup[groupHash] += int64(len(raw))
}

func (self *Cache) getObject(groupId string, objectId string) ([]byte, bool) {
	groupHash := hashKeyUnique(groupId)
	raw, ok := self.objectTables[groupHash][objectId]
	return raw, ok
}

func (self *Cache) deleteObject(groupId string, objectId string) {
	groupHash := hashKeyUnique(groupId)
	bucket := self.objectTables[groupHash]
	if bucket == nil {
		return
	}
	if existing, ok := bucket[objectId]; ok {
		self.bytesByGroup[groupHash] -= int64(len(existing))
		delete(bucket, objectId)
	}
}

// xorBytes obfuscates raw against secret, repeating the secret as
// needed: byte i is XORed with secret[i mod len(secret)]. This is
// obfuscation, not encryption (spec §9) -- it is not a security
// boundary and must never be advertised as one.
func xorBytes(raw []byte, secret string) []byte {
	if secret == "" {
		return raw
	}
	out := make([]byte, len(raw))
	for i, b := range raw {
		out[i] = b ^ secret[i%len(secret)]
	}
	return out
}

// hashKey is the non-unique bucket hash of spec §4.2: lowercase, count
// (char, frequency) pairs, sort ascending by (frequency, char), fold
// sum((i+1)*101*freq*ascii) mod 2^31. Collisions are expected and
// handled by the per-bucket maps being keyed on the full key.
func hashKey(key string) string {
	lower := strings.ToLower(key)
	freq := map[rune]int{}
	for _, c := range lower {
		freq[c] += 1
	}
	type pair struct {
		char rune
		freq int
	}
	pairs := make([]pair, 0, len(freq))
	for c, f := range freq {
		pairs = append(pairs, pair{char: c, freq: f})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].freq != pairs[j].freq {
			return pairs[i].freq < pairs[j].freq
		}
		return pairs[i].char < pairs[j].char
	})
	var sum int64
	for i, p := range pairs {
		sum += int64(i+1) * 101 * int64(p.freq) * int64(p.char)
	}
	const mod = int64(1) << 31
	bucket := sum % mod
	if bucket < 0 {
		bucket += mod
	}
	return strconv.FormatInt(bucket, 10)
}

// hashKeyUnique is the injective hash of spec §4.2, used where the
// mapping must not collide (group-id partitions): the concatenation of
// decimal ascii codes.
func hashKeyUnique(key string) string {
	builder := strings.Builder{}
	for i := 0; i < len(key); i += 1 {
		fmt.Fprintf(&builder, "%d", key[i])
	}
	return builder.String()
}

// prune runs once on open: first drop entries older than the TTL, then,
// if total size exceeds MaxSize, evict oldest-first, five at a time,
// until size <= MaxSize/2 (spec §4.2).
func (self *Cache) prune() {
	if self.config.TTL > 0 {
		cutoff := time.Now().Add(-self.config.TTL).UnixMilli()
		for bucket, keys := range self.cacheInfo {
			for key, stamp := range keys {
				if stamp < cutoff {
					self.evictKey(bucket, key)
				}
			}
		}
	}

	type entry struct {
		bucket string
		key    string
		stamp  int64
	}
	if self.totalSize() > self.config.MaxSize {
		for self.totalSize() > self.config.MaxSize/2 {
			entries := []entry{}
			for bucket, keys := range self.cacheInfo {
				for key, stamp := range keys {
					entries = append(entries, entry{bucket: bucket, key: key, stamp: stamp})
				}
			}
			if len(entries) == 0 {
				break
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].stamp < entries[j].stamp })

			n := 5
			if len(entries) < n {
				n = len(entries)
			}
			for i := 0; i < n; i += 1 {
				self.evictKey(entries[i].bucket, entries[i].key)
			}
		}
	}

	if err := self.persistAll(); err != nil {
		glog.Errorf("[cache] prune persist failed: %s", err)
	}
}

func (self *Cache) evictKey(bucket string, key string) {
	refs := self.linkTables[bucket][key]
	for _, ref := range refs {
		count := self.decrementRefcount(ref)
		if count < 1 {
			self.deleteObject(ref.GroupId, ref.ObjectId)
		}
	}
	delete(self.linkTables[bucket], key)
	delete(self.cacheInfo[bucket], key)
}

func (self *Cache) totalSize() int64 {
	var total int64
	for _, n := range self.bytesByGroup {
		total += n
	}
	return total
}

// --- persistence ---
// Every write goes through a tempfile + rename so a single file is
// never observed half-written. The four files are still written one
// after another, not as one atomic unit. writeDatasetSync writes object
// tables before refcount-info before cache-info before link tables, so
// a crash mid-sequence cannot leave a link to a newly added object that
// was never written; an object it removes is persisted as gone before
// the link table drops it, and ReadDataset skips such a missing entry.
// persistAll (Clear, prune) writes cache-info, refcount-info, link
// tables and then object tables.

func (self *Cache) path(name string) string {
	return filepath.Join(self.config.Dir, name)
}

func atomicWriteJSON(path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, dst any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, dst)
}

func (self *Cache) persistObjectTable(groupId string) error {
	groupHash := hashKeyUnique(groupId)
	table := self.objectTables[groupHash]
	return atomicWriteJSON(self.path(fmt.Sprintf("01%s.dat", groupHash)), table)
}

func (self *Cache) persistRefcountInfo() error {
	return atomicWriteJSON(self.path("01.dat"), self.refcountInfo)
}

func (self *Cache) persistCacheInfo() error {
	return atomicWriteJSON(self.path("00.dat"), self.cacheInfo)
}

func (self *Cache) persistLinkTable(bucket string) error {
	return atomicWriteJSON(self.path(fmt.Sprintf("00%s.dat", bucket)), self.linkTables[bucket])
}

func (self *Cache) persistAll() error {
	if err := self.persistCacheInfo(); err != nil {
		return err
	}
	if err := self.persistRefcountInfo(); err != nil {
		return err
	}
	for bucket := range self.linkTables {
		if err := self.persistLinkTable(bucket); err != nil {
			return err
		}
	}
	for groupHash := range self.objectTables {
		if err := atomicWriteJSON(self.path(fmt.Sprintf("01%s.dat", groupHash)), self.objectTables[groupHash]); err != nil {
			return err
		}
	}
	return nil
}

func (self *Cache) load() error {
	if err := readJSON(self.path("00.dat"), &self.cacheInfo); err != nil {
		return err
	}
	if err := readJSON(self.path("01.dat"), &self.refcountInfo); err != nil {
		return err
	}
	for bucket := range self.cacheInfo {
		linkTable := map[string][]CacheRef{}
		if err := readJSON(self.path(fmt.Sprintf("00%s.dat", bucket)), &linkTable); err != nil {
			return err
		}
		self.linkTables[bucket] = linkTable
		for _, refs := range linkTable {
			for _, ref := range refs {
				self.loadGroupIfAbsent(ref.GroupId)
			}
		}
	}
	for groupHash := range self.objectTables {
		var total int64
		for _, raw := range self.objectTables[groupHash] {
			total += int64(len(raw))
		}
		self.bytesByGroup[groupHash] = total
	}
	return nil
}

func (self *Cache) loadGroupIfAbsent(groupId string) {
	groupHash := hashKeyUnique(groupId)
	if _, ok := self.objectTables[groupHash]; ok {
		return
	}
	table := map[string][]byte{}
	if err := readJSON(self.path(fmt.Sprintf("01%s.dat", groupHash)), &table); err == nil {
		self.objectTables[groupHash] = table
	} else {
		self.objectTables[groupHash] = map[string][]byte{}
	}
}
