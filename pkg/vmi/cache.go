package vmi

import (
	lru "github.com/hashicorp/golang-lru"
)

const (
	defaultGFNCacheSize = 8192
	defaultV2PCacheSize = 8192
)

// pageCache keeps the contents of recently read guest frames, keyed by the
// backing frame number (after view remapping).
type pageCache struct {
	enabled bool
	c       *lru.Cache
}

func newPageCache(size int) (*pageCache, error) {
	if size <= 0 {
		return &pageCache{}, nil
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &pageCache{enabled: true, c: c}, nil
}

func (pc *pageCache) get(gfn GFN) ([]byte, bool) {
	if !pc.enabled {
		return nil, false
	}
	v, ok := pc.c.Get(gfn)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (pc *pageCache) add(gfn GFN, page []byte) {
	if pc.enabled {
		pc.c.Add(gfn, page)
	}
}

func (pc *pageCache) remove(gfn GFN) {
	if pc.c != nil {
		pc.c.Remove(gfn)
	}
}

func (pc *pageCache) purge() {
	if pc.c != nil {
		pc.c.Purge()
	}
}

func (pc *pageCache) len() int {
	if pc.c == nil {
		return 0
	}
	return pc.c.Len()
}

// v2pKey identifies one translated page. The view is part of the key
// because page table pages are themselves read through the view.
type v2pKey struct {
	root PA
	page VA
	view View
}

// v2pCache remembers successful translations. Failed translations are
// never cached.
type v2pCache struct {
	enabled bool
	c       *lru.Cache
}

func newV2PCache(size int) (*v2pCache, error) {
	if size <= 0 {
		return &v2pCache{}, nil
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &v2pCache{enabled: true, c: c}, nil
}

func (vc *v2pCache) get(k v2pKey) (PA, bool) {
	if !vc.enabled {
		return 0, false
	}
	v, ok := vc.c.Get(k)
	if !ok {
		return 0, false
	}
	return v.(PA), true
}

func (vc *v2pCache) add(k v2pKey, pa PA) {
	if vc.enabled {
		vc.c.Add(k, pa)
	}
}

func (vc *v2pCache) purge() {
	if vc.c != nil {
		vc.c.Purge()
	}
}

func (vc *v2pCache) len() int {
	if vc.c == nil {
		return 0
	}
	return vc.c.Len()
}
