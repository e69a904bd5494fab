// Package crawler contains the LRU crawler: a background worker that
// walks class chains and the hash table off the request path to reap
// expired items and stream key dumps to an attached connection.
//
// The worker parks on a condition variable; request handlers start and
// stop crawls through the controller methods. Lock order, coarse to
// fine: crawler mutex, class chain lock, hash bucket lock (trylock
// only), mode stats mutex.
package crawler
