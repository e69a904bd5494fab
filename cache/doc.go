// Package cache contains the in-memory item store: per class LRU chains,
// the bucket hash table, item refcounting and the flush epoch.
//
// Locking hierarchy, from coarse to fine:
// per class chain lock, then hash bucket lock.
// Blocking acquisition must follow that order; the only allowed
// acquisition of a bucket lock while another class lock is held is a
// trylock. Request handlers and the LRU crawler both obey this.
package cache
