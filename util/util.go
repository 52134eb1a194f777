package util

func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func Max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func Rounddown(v int, b int) int {
	return v - (v % b)
}

func Roundup(v int, b int) int {
	return Rounddown(v+b-1, b)
}

// reads n little-endian bytes at off. n must be <= 8.
func Readn(a []uint8, n int, off int) int {
	p := a[off : off+n]
	var ret int
	for i, b := range p {
		ret |= int(b) << (8 * uint(i))
	}
	return ret
}

func Writen(a []uint8, sz int, off int, val int) {
	v := uint64(val)
	for i := 0; i < sz; i++ {
		a[off+i] = uint8(v >> (8 * uint(i)))
	}
}
