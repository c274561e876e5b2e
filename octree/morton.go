package octree

// encode interleaves the bits of the cell coordinates: bit b of i goes to bit 3b, of j to
// 3b+1 and of k to 3b+2.
func encode(i, j, k uint32) uint64 {
	return spread(i) | spread(j)<<1 | spread(k)<<2
}

func decode(code uint64) (uint32, uint32, uint32) {
	return compact(code), compact(code >> 1), compact(code >> 2)
}

func spread(v uint32) uint64 {
	x := uint64(v) & 0x1fffff
	x = (x | x<<32) & 0x1f00000000ffff
	x = (x | x<<16) & 0x1f0000ff0000ff
	x = (x | x<<8) & 0x100f00f00f00f00f
	x = (x | x<<4) & 0x10c30c30c30c30c3
	x = (x | x<<2) & 0x1249249249249249
	return x
}

func compact(code uint64) uint32 {
	x := code & 0x1249249249249249
	x = (x | x>>2) & 0x10c30c30c30c30c3
	x = (x | x>>4) & 0x100f00f00f00f00f
	x = (x | x>>8) & 0x1f0000ff0000ff
	x = (x | x>>16) & 0x1f00000000ffff
	x = (x | x>>32) & 0x1fffff
	return uint32(x)
}
