package vrs

// zbase32 (Zooko's base32, https://philzimmermann.com/docs/human-oriented-base-32-encoding.txt)
// is the wire encoding spec §6 mandates for the request signature header.
// No example repo in the corpus imports a zbase32 package (see
// DESIGN.md), so this is a direct, dependency-free port of the standard
// algorithm against the standard alphabet, built on stdlib bit twiddling
// exactly like the hand-rolled int64 codec in envelope.go.
const zbase32Alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

var zbase32Reverse = func() [256]int8 {
	var rev [256]int8
	for i := range rev {
		rev[i] = -1
	}
	for i, c := range zbase32Alphabet {
		rev[c] = int8(i)
	}
	return rev
}()

func zbase32Encode(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var out []byte
	var buf uint32
	var bits int
	for _, b := range data {
		buf = (buf << 8) | uint32(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out = append(out, zbase32Alphabet[(buf>>uint(bits))&0x1F])
		}
	}
	if bits > 0 {
		out = append(out, zbase32Alphabet[(buf<<uint(5-bits))&0x1F])
	}
	return string(out)
}

func zbase32Decode(s string) ([]byte, error) {
	var out []byte
	var buf uint32
	var bits int
	for i := 0; i < len(s); i++ {
		v := zbase32Reverse[s[i]]
		if v < 0 {
			return nil, errInvalidZbase32
		}
		buf = (buf << 5) | uint32(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(buf>>uint(bits)))
		}
	}
	return out, nil
}
