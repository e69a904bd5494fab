//go:build !debug

package cache

func (s *Store) checkChain(i int) {}
