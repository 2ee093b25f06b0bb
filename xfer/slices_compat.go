package xfer

// concat mirrors slices.Concat (Go 1.22+) for the Go 1.21 toolchain.
func concat[S ~[]E, E any](ss ...S) S {
	size := 0
	for _, s := range ss {
		size += len(s)
		if size < 0 {
			panic("len out of range")
		}
	}
	newslice := make(S, 0, size)
	for _, s := range ss {
		newslice = append(newslice, s...)
	}
	return newslice
}
