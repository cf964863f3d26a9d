package dmtp

// Fletcher-16 block checksum. The checksum runs over every byte of
// every packet in a duplex block, including the header of the closing
// end-of-block packet, but never over the two appended checksum bytes
// themselves. Reset happens only at block boundaries (EOB/EOT) -- never
// between individual packets within a block.

// Fletcher16 accumulates a running Fletcher-16 checksum over a byte stream.
// The zero value is ready to use.
type Fletcher16 struct {
	c0 uint8
	c1 uint8
}

// Reset clears both accumulators.
func (f *Fletcher16) Reset() {
	f.c0 = 0
	f.c1 = 0
}

// Write feeds buf into the running checksum. Always returns len(buf), nil;
// it satisfies io.Writer so a Fletcher16 can sit at the end of a TeeReader
// or similar chain.
func (f *Fletcher16) Write(buf []byte) (int, error) {
	for _, b := range buf {
		f.c0 += b
		f.c1 += f.c0
	}
	return len(buf), nil
}

// Bytes returns the two checksum bytes for the data fed so far:
// F0 = (C0 - C1) mod 256, F1 = (C1 - 2*C0) mod 256.
func (f *Fletcher16) Bytes() (byte, byte) {
	f0 := f.c0 - f.c1
	f1 := f.c1 - 2*f.c0
	return f0, f1
}

// ValidateAppended reports whether (f0, f1) are the correct checksum bytes
// for the data fed to f so far. The caller feeds the block body (every byte
// up to but excluding the trailing checksum) and then calls this with the
// two trailing bytes actually received on the wire.
func (f *Fletcher16) ValidateAppended(f0, f1 byte) bool {
	wantF0, wantF1 := f.Bytes()
	return wantF0 == f0 && wantF1 == f1
}
