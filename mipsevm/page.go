package mipsevm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

type Page [PageSize]byte

func (p *Page) MarshalJSON() ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(p)))
	base64.StdEncoding.Encode(out, p[:])
	return json.Marshal(string(out))
}

func (p *Page) UnmarshalJSON(dat []byte) error {
	var x string
	if err := json.Unmarshal(dat, &x); err != nil {
		return err
	}
	b, err := base64.StdEncoding.DecodeString(x)
	if err != nil {
		return err
	}
	if len(b) != PageSize {
		return fmt.Errorf("bad page size: %d", len(b))
	}
	copy(p[:], b)
	return nil
}

type CachedPage struct {
	Data *Page

	// merkle nodes of the page, above the leaf layer
	Cache [PageSize / 32][32]byte

	// node validity, cleared when the covered range changes
	Ok [PageSize / 32]bool
}

func (p *CachedPage) Invalidate(pageAddr uint32) {
	if pageAddr >= PageSize {
		panic("invalid page addr")
	}
	k := (1 << PageAddrSize) | pageAddr
	// the lowest cached layer covers pairs of 32-byte leaves
	k >>= 5 + 1
	for k > 0 {
		p.Ok[k] = false
		k >>= 1
	}
}

func (p *CachedPage) InvalidateFull() {
	p.Ok = [PageSize / 32]bool{} // every node stale
}

func (p *CachedPage) MerkleRoot() [32]byte {
	// leaf pairs first
	for i := uint64(0); i < PageSize; i += 64 {
		j := PageSize/32/2 + i/64
		if p.Ok[j] {
			continue
		}
		p.Cache[j] = HashPair(
			*(*[32]byte)(p.Data[i:i+32]),
			*(*[32]byte)(p.Data[i+32:i+64]),
		)
		p.Ok[j] = true
	}

	// then the layers above, bottom up
	for i := PageSize/32 - 2; i > 0; i -= 2 {
		j := uint64(i) >> 1
		if p.Ok[j] {
			continue
		}
		p.Cache[j] = HashPair(p.Cache[i], p.Cache[i+1])
		p.Ok[j] = true
	}

	return p.Cache[1]
}

func (p *CachedPage) MerkleizeSubtree(gindex uint64) [32]byte {
	_ = p.MerkleRoot() // freshen the cache
	if gindex >= PageSize/32 {
		if gindex >= PageSize/32*2 {
			panic("gindex too deep")
		}
		// leaf range, serve from the raw page data
		nodeIndex := gindex & (PageAddrMask >> 5)
		return *(*[32]byte)(p.Data[nodeIndex*32 : nodeIndex*32+32])
	}
	return p.Cache[gindex]
}
