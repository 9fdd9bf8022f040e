// Package ecc implements a Reed-Solomon error-correcting codec over small
// Galois fields. It protects fixed-size blocks of a persistent memory zone:
// Encode produces parity bytes for a block, Decode corrects symbol errors in
// place and reports how many it fixed.
package ecc

import (
	"fmt"
)

// Errors
var (
	ErrUncorrectable = &CodecError{"uncorrectable block"}
	ErrBadConfig     = &CodecError{"invalid codec configuration"}
)

// CodecError represents an ECC codec error
type CodecError struct {
	Message string
}

func (e *CodecError) Error() string {
	return e.Message
}

// Config holds the Reed-Solomon code parameters. Zero fields take the
// defaults used for persistent RAM zones: 128-byte blocks, 16 parity bytes,
// 8-bit symbols, generator polynomial 0x11d.
type Config struct {
	BlockSize   int // data bytes covered by one parity group
	ParitySize  int // parity bytes per group (correction capacity is half)
	SymbolWidth int // symbol size in bits, 2..8
	Poly        int // primitive polynomial of the field
}

func (c Config) withDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = 128
	}
	if c.ParitySize == 0 {
		c.ParitySize = 16
	}
	if c.SymbolWidth == 0 {
		c.SymbolWidth = 8
	}
	if c.Poly == 0 {
		c.Poly = 0x11d
	}
	return c
}

// Codec is a Reed-Solomon encoder/decoder for one Config. It is safe for use
// by a single goroutine; zones serialize access through their own lock.
type Codec struct {
	config  Config
	nn      int   // field size - 1 (codeword length limit)
	nroots  int   // parity symbols
	alphaTo []int // index -> polynomial form
	indexOf []int // polynomial -> index form
	genpoly []int // generator polynomial, index form

	// decoder scratch, sized once so Decode never allocates
	syn    []int
	lambda []int
	bpoly  []int
	tpoly  []int
	omega  []int
	locs   []int
}

// New builds a codec for the given configuration. The first consecutive root
// is 0 and the primitive element generating roots is 1, matching the layout
// used by existing persistent RAM regions.
func New(config Config) (*Codec, error) {
	config = config.withDefaults()
	if config.SymbolWidth < 2 || config.SymbolWidth > 8 {
		return nil, fmt.Errorf("symbol width %d out of range: %w", config.SymbolWidth, ErrBadConfig)
	}
	nn := (1 << config.SymbolWidth) - 1
	if config.ParitySize <= 0 || config.ParitySize >= nn {
		return nil, fmt.Errorf("parity size %d out of range: %w", config.ParitySize, ErrBadConfig)
	}
	if config.BlockSize <= 0 || config.BlockSize+config.ParitySize > nn {
		return nil, fmt.Errorf("block size %d too large for GF(2^%d): %w",
			config.BlockSize, config.SymbolWidth, ErrBadConfig)
	}

	c := &Codec{
		config:  config,
		nn:      nn,
		nroots:  config.ParitySize,
		alphaTo: make([]int, nn+1),
		indexOf: make([]int, nn+1),
		genpoly: make([]int, config.ParitySize+1),
		syn:     make([]int, config.ParitySize),
		lambda:  make([]int, config.ParitySize+1),
		bpoly:   make([]int, config.ParitySize+1),
		tpoly:   make([]int, config.ParitySize+1),
		omega:   make([]int, config.ParitySize+1),
		locs:    make([]int, config.ParitySize),
	}

	// Generate the field tables.
	c.indexOf[0] = nn
	c.alphaTo[nn] = 0
	sr := 1
	for i := 0; i < nn; i++ {
		c.indexOf[sr] = i
		c.alphaTo[i] = sr
		sr <<= 1
		if sr&(1<<config.SymbolWidth) != 0 {
			sr ^= config.Poly
		}
		sr &= nn
	}
	if sr != 1 {
		return nil, fmt.Errorf("polynomial %#x is not primitive: %w", config.Poly, ErrBadConfig)
	}

	// Generator polynomial with roots alpha^0 .. alpha^(nroots-1).
	c.genpoly[0] = 1
	for i := 0; i < c.nroots; i++ {
		root := i
		c.genpoly[i+1] = 1
		for j := i; j > 0; j-- {
			if c.genpoly[j] != 0 {
				c.genpoly[j] = c.genpoly[j-1] ^ c.alphaTo[c.modnn(c.indexOf[c.genpoly[j]]+root)]
			} else {
				c.genpoly[j] = c.genpoly[j-1]
			}
		}
		c.genpoly[0] = c.alphaTo[c.modnn(c.indexOf[c.genpoly[0]]+root)]
	}
	// Keep the generator in index form for the encoder inner loop.
	for i := 0; i <= c.nroots; i++ {
		c.genpoly[i] = c.indexOf[c.genpoly[i]]
	}
	return c, nil
}

// Config returns the effective configuration after defaults were applied.
func (c *Codec) Config() Config {
	return c.config
}

// ParitySize returns the number of parity bytes per block.
func (c *Codec) ParitySize() int {
	return c.nroots
}

// BlockSize returns the number of data bytes covered by one parity group.
func (c *Codec) BlockSize() int {
	return c.config.BlockSize
}

func (c *Codec) modnn(x int) int {
	for x >= c.nn {
		x -= c.nn
		x = (x >> c.config.SymbolWidth) + (x & c.nn)
	}
	return x
}

// Encode computes parity for data into par. data may be shorter than the
// configured block size (the trailing block of a zone usually is); par must
// hold ParitySize bytes.
func (c *Codec) Encode(data []byte, par []byte) error {
	if len(data) > c.config.BlockSize {
		return fmt.Errorf("data length %d exceeds block size %d: %w",
			len(data), c.config.BlockSize, ErrBadConfig)
	}
	if len(par) < c.nroots {
		return fmt.Errorf("parity buffer too small: %w", ErrBadConfig)
	}
	for i := 0; i < c.nroots; i++ {
		par[i] = 0
	}
	for i := 0; i < len(data); i++ {
		fb := c.indexOf[int(data[i])^int(par[0])]
		if fb != c.nn {
			for j := 1; j < c.nroots; j++ {
				par[j-1] = par[j] ^ byte(c.alphaTo[c.modnn(fb+c.genpoly[c.nroots-j])])
			}
			par[c.nroots-1] = byte(c.alphaTo[c.modnn(fb+c.genpoly[0])])
		} else {
			copy(par[:c.nroots-1], par[1:c.nroots])
			par[c.nroots-1] = 0
		}
	}
	return nil
}

// Decode checks data against par, correcting symbol errors in place in both.
// It returns the number of symbols corrected, or ErrUncorrectable when the
// error count exceeds the code's capacity. The caller counts failures; it
// must not retry.
func (c *Codec) Decode(data []byte, par []byte) (int, error) {
	if len(data) > c.config.BlockSize || len(par) < c.nroots {
		return 0, fmt.Errorf("bad decode buffer sizes: %w", ErrBadConfig)
	}
	total := len(data) + c.nroots

	// Syndromes over the shortened codeword: data followed by parity.
	noErrors := true
	for i := 0; i < c.nroots; i++ {
		s := 0
		for j := 0; j < len(data); j++ {
			s = c.hornerStep(s, int(data[j]), i)
		}
		for j := 0; j < c.nroots; j++ {
			s = c.hornerStep(s, int(par[j]), i)
		}
		c.syn[i] = s
		if s != 0 {
			noErrors = false
		}
	}
	if noErrors {
		return 0, nil
	}

	// Berlekamp-Massey to find the error locator polynomial.
	lambda, bp, tp := c.lambda, c.bpoly, c.tpoly
	for i := range lambda {
		lambda[i] = 0
		bp[i] = 0
	}
	lambda[0] = 1
	bp[0] = 1
	degL := 0
	m := 1
	bDisc := 1
	for n := 0; n < c.nroots; n++ {
		d := c.syn[n]
		for i := 1; i <= degL; i++ {
			if lambda[i] != 0 && c.syn[n-i] != 0 {
				d ^= c.alphaTo[c.modnn(c.indexOf[lambda[i]]+c.indexOf[c.syn[n-i]])]
			}
		}
		if d == 0 {
			m++
			continue
		}
		coef := c.modnn(c.indexOf[d] + c.nn - c.indexOf[bDisc])
		if 2*degL <= n {
			copy(tp, lambda)
			for i := 0; i+m <= c.nroots; i++ {
				if bp[i] != 0 {
					lambda[i+m] ^= c.alphaTo[c.modnn(c.indexOf[bp[i]]+coef)]
				}
			}
			degL = n + 1 - degL
			copy(bp, tp)
			bDisc = d
			m = 1
		} else {
			for i := 0; i+m <= c.nroots; i++ {
				if bp[i] != 0 {
					lambda[i+m] ^= c.alphaTo[c.modnn(c.indexOf[bp[i]]+coef)]
				}
			}
			m++
		}
	}
	if degL > c.nroots/2 {
		return 0, ErrUncorrectable
	}

	// Chien search over the shortened codeword positions.
	count := 0
	for pos := 0; pos < total; pos++ {
		xInvIdx := c.modnn(c.nn - (total - 1 - pos))
		v := 0
		for i := degL; i >= 0; i-- {
			if v != 0 {
				v = c.alphaTo[c.modnn(c.indexOf[v]+xInvIdx)]
			}
			v ^= lambda[i]
		}
		if v == 0 {
			if count == len(c.locs) {
				return 0, ErrUncorrectable
			}
			c.locs[count] = pos
			count++
		}
	}
	if count != degL {
		return 0, ErrUncorrectable
	}

	// Omega(x) = S(x) * Lambda(x) mod x^nroots, for Forney's formula.
	for i := 0; i <= c.nroots; i++ {
		c.omega[i] = 0
	}
	for i := 0; i < c.nroots; i++ {
		if c.syn[i] == 0 {
			continue
		}
		for j := 0; j <= degL && i+j < c.nroots; j++ {
			if lambda[j] != 0 {
				c.omega[i+j] ^= c.alphaTo[c.modnn(c.indexOf[c.syn[i]]+c.indexOf[lambda[j]])]
			}
		}
	}

	// Correct each located symbol.
	for k := 0; k < count; k++ {
		pos := c.locs[k]
		xIdx := total - 1 - pos          // X = alpha^xIdx
		xInvIdx := c.modnn(c.nn - xIdx)  // X^-1
		num := 0
		for i := c.nroots - 1; i >= 0; i-- {
			if num != 0 {
				num = c.alphaTo[c.modnn(c.indexOf[num]+xInvIdx)]
			}
			num ^= c.omega[i]
		}
		if num == 0 {
			continue // zero-magnitude "error", nothing to fix
		}
		// Lambda'(X^-1): odd-degree terms only in characteristic 2.
		den := 0
		for i := 1; i <= degL; i += 2 {
			if lambda[i] != 0 {
				den ^= c.alphaTo[(c.indexOf[lambda[i]]+(i-1)*xInvIdx)%c.nn]
			}
		}
		if den == 0 {
			return 0, ErrUncorrectable
		}
		// e = X * Omega(X^-1) / Lambda'(X^-1), first root exponent 0.
		magIdx := c.modnn(c.indexOf[num] + xIdx + c.nn - c.indexOf[den])
		mag := byte(c.alphaTo[magIdx])
		if pos < len(data) {
			data[pos] ^= mag
		} else {
			par[pos-len(data)] ^= mag
		}
	}
	return count, nil
}

// hornerStep folds one codeword symbol into a syndrome accumulator for root
// alpha^i.
func (c *Codec) hornerStep(s, sym, i int) int {
	if s == 0 {
		return sym
	}
	return sym ^ c.alphaTo[c.modnn(c.indexOf[s]+i)]
}
